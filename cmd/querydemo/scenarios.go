package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ipni/go-querycache/httpfetch"
	"github.com/ipni/go-querycache/mockapi"
	"github.com/ipni/go-querycache/query"
	"github.com/ipni/go-querycache/querykey"
)

// env is what the scenarios run against.
type env struct {
	qc  *query.Client
	hc  *httpfetch.Client
	out io.Writer
	// api is nil when the demo runs against a remote server.
	api *mockapi.API
}

type scenario struct {
	name string
	run  func(context.Context, *env) error
}

var scenarios = []scenario{
	{"basic", basicFetch},
	{"pagination", pagination},
	{"like", optimisticLike},
	{"like-fail", optimisticLikeFail},
	{"invalidate", invalidateTodos},
	{"dedup", dedupUsers},
}

func postKey(id int) querykey.Key {
	return querykey.MustNew("post", id)
}

func postsPageKey(page, pageSize int) querykey.Key {
	return querykey.MustNew("posts", map[string]int{"page": page, "pageSize": pageSize})
}

func (e *env) printf(format string, args ...any) {
	fmt.Fprintf(e.out, format+"\n", args...)
}

func basicFetch(ctx context.Context, e *env) error {
	post, err := query.Fetch(ctx, e.qc.Executor(), postKey(1), func(ctx context.Context) (mockapi.Post, error) {
		var p mockapi.Post
		err := e.hc.GetJSON(ctx, "posts/1", nil, &p)
		return p, err
	})
	if err != nil {
		return err
	}
	e.printf("post 1: %q with %d likes", post.Title, post.Likes)

	// A second run within the stale time is served from the cache.
	_, err = query.Fetch(ctx, e.qc.Executor(), postKey(1), func(context.Context) (mockapi.Post, error) {
		return mockapi.Post{}, errors.New("not called")
	}, query.WithStaleTime(time.Minute))
	if err != nil {
		return err
	}
	e.printf("post 1 served from cache, status %s", e.qc.Store().Get(postKey(1)).Status)
	return nil
}

func postsPage(e *env, page, pageSize int) query.FetchFunc {
	params := url.Values{
		"page":     {strconv.Itoa(page)},
		"pageSize": {strconv.Itoa(pageSize)},
	}
	return httpfetch.FetchJSON[mockapi.Page[mockapi.Post]](e.hc, "posts", params)
}

func pagination(ctx context.Context, e *env) error {
	const pageSize = 10
	var prev any
	for page := 1; page <= 3; page++ {
		key := postsPageKey(page, pageSize)

		var showedPlaceholder atomic.Bool
		unsub := e.qc.Store().Subscribe(key, func(ent *query.Entry) {
			if ent.IsPlaceholder {
				showedPlaceholder.Store(true)
			}
		})
		prevPage := prev
		data, err := e.qc.Run(ctx, key, postsPage(e, page, pageSize),
			query.WithPlaceholderData(func() any { return prevPage }))
		unsub()
		if err != nil {
			return err
		}
		p := data.(mockapi.Page[mockapi.Post])
		e.printf("page %d/%d: posts %d..%d, placeholder shown: %t", p.Page, p.TotalPages,
			p.Data[0].ID, p.Data[len(p.Data)-1].ID, showedPlaceholder.Load())
		prev = data
	}

	// Prefetch the next page so that moving to it needs no request.
	const next = 4
	key := postsPageKey(next, pageSize)
	ready, stop := e.qc.Store().Watch(key)
	defer stop()
	e.qc.Prefetch(key, postsPage(e, next, pageSize), query.WithStaleTime(time.Minute))
	if err := waitSuccess(ctx, ready); err != nil {
		return err
	}
	data, err := e.qc.Run(ctx, key, func(context.Context) (any, error) {
		return nil, errors.New("not called")
	}, query.WithStaleTime(time.Minute))
	if err != nil {
		return err
	}
	p := data.(mockapi.Page[mockapi.Post])
	e.printf("page %d prefetched: posts %d..%d", p.Page, p.Data[0].ID, p.Data[len(p.Data)-1].ID)
	return nil
}

func waitSuccess(ctx context.Context, entries <-chan *query.Entry) error {
	timeout := time.After(10 * time.Second)
	for {
		select {
		case ent, ok := <-entries:
			if !ok {
				return errors.New("watch closed")
			}
			switch ent.Status {
			case query.StatusSuccess:
				return nil
			case query.StatusError:
				return ent.Err
			}
		case <-timeout:
			return errors.New("timed out waiting for prefetch")
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func likeMutation(e *env, id int) query.Mutation {
	key := postKey(id)
	return query.Mutation{
		AffectedKeys: []querykey.Key{key},
		OptimisticPatch: func(s *query.Store) {
			s.UpdateData(key, func(old any) any {
				p, _ := old.(mockapi.Post)
				p.Likes++
				return p
			})
			e.printf("optimistic likes: %d", s.Get(key).Data.(mockapi.Post).Likes)
		},
		OnRollback: func(err error) {
			e.printf("rolled back: %v", err)
		},
	}
}

// likePost loads post id and likes it, calling beforeLike, if not nil, just
// before sending the like.
func likePost(ctx context.Context, e *env, id int, beforeLike func()) (int, error) {
	key := postKey(id)
	data, err := e.qc.Run(ctx, key, httpfetch.FetchJSON[mockapi.Post](e.hc, "posts/"+strconv.Itoa(id), nil))
	if err != nil {
		return 0, err
	}
	e.printf("post %d has %d likes", id, data.(mockapi.Post).Likes)

	if beforeLike != nil {
		beforeLike()
	}
	_, err = e.qc.Mutate(ctx,
		httpfetch.SendJSONFunc[mockapi.Post](e.hc, http.MethodPost, "posts/"+strconv.Itoa(id)+"/like", nil),
		likeMutation(e, id))
	p, _ := query.DataOf[mockapi.Post](e.qc.Store().Get(key))
	return p.Likes, err
}

func optimisticLike(ctx context.Context, e *env) error {
	likes, err := likePost(ctx, e, 2, nil)
	if err != nil {
		return err
	}
	e.printf("like confirmed, likes: %d", likes)
	return nil
}

func optimisticLikeFail(ctx context.Context, e *env) error {
	if e.api == nil {
		e.printf("skipped: needs the local mock api")
		return nil
	}
	likes, err := likePost(ctx, e, 3, func() {
		e.api.FailNext(1, http.StatusInternalServerError)
	})
	if err == nil {
		return errors.New("like should have failed")
	}
	e.printf("like failed, likes back to %d", likes)
	return nil
}

func invalidateTodos(ctx context.Context, e *env) error {
	key := querykey.MustNew("todos")

	counts := make(chan int, 8)
	unsub := e.qc.Observe(key, httpfetch.FetchJSON[[]mockapi.Todo](e.hc, "todos", nil), func(ent *query.Entry) {
		if todos, ok := query.DataOf[[]mockapi.Todo](ent); ok && ent.Status == query.StatusSuccess {
			counts <- len(todos)
		}
	})
	defer unsub()

	before, err := waitCount(ctx, counts)
	if err != nil {
		return err
	}
	e.printf("observing %d todos", before)

	_, err = e.qc.Mutate(ctx,
		httpfetch.SendJSONFunc[mockapi.Todo](e.hc, http.MethodPost, "todos", map[string]string{"title": "Try invalidation"}),
		query.Mutation{AffectedKeys: []querykey.Key{key}})
	if err != nil {
		return err
	}

	after, err := waitCount(ctx, counts)
	if err != nil {
		return err
	}
	e.printf("todos refetched after invalidation: %d", after)
	return nil
}

func waitCount(ctx context.Context, counts <-chan int) (int, error) {
	select {
	case n := <-counts:
		return n, nil
	case <-time.After(10 * time.Second):
		return 0, errors.New("timed out waiting for todos")
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

func dedupUsers(ctx context.Context, e *env) error {
	const callers = 5
	key := querykey.MustNew("user", 1)

	var requests atomic.Int32
	fetchUser := httpfetch.FetchJSON[mockapi.User](e.hc, "users/1", nil)
	counted := func(ctx context.Context) (any, error) {
		requests.Add(1)
		return fetchUser(ctx)
	}

	var wg sync.WaitGroup
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = e.qc.Run(ctx, key, counted, query.WithDedupWindow(time.Second))
		}(i)
	}
	wg.Wait()
	if err := errors.Join(errs...); err != nil {
		return err
	}
	e.printf("%d concurrent runs made %d request", callers, requests.Load())
	return nil
}
