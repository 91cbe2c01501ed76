// Package mockapi is an in-process REST backend serving todos, users, and
// paginated posts. It exists to give the query cache something realistic to
// fetch from in demos and tests: calls can be slowed down and made to fail on
// demand.
package mockapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand/v2"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/hashicorp/go-multierror"
	"github.com/ipfs/go-datastore"
	dsq "github.com/ipfs/go-datastore/query"
	dssync "github.com/ipfs/go-datastore/sync"
	logging "github.com/ipfs/go-log/v2"
	"github.com/ipni/go-querycache/apierror"
)

var log = logging.Logger("mockapi")

// ErrNotFound is the cause of errors for records that do not exist.
var ErrNotFound = errors.New("not found")

const (
	todosPrefix = "/todos"
	usersPrefix = "/users"
	postsPrefix = "/posts"
)

// API is the mock backend. It is safe for concurrent use.
type API struct {
	ds        datastore.Batching
	clock     clock.Clock
	latency   time.Duration
	errorRate float64

	// mu serializes writes so that read-modify-write updates are atomic.
	mu sync.Mutex

	failMu     sync.Mutex
	failCount  int
	failStatus int
}

// New creates a new API. Unless WithoutSeed is given, the datastore is filled
// with sample todos, users, and posts.
func New(options ...Option) (*API, error) {
	opts, err := getOpts(options)
	if err != nil {
		return nil, err
	}
	ds := opts.ds
	if ds == nil {
		ds = dssync.MutexWrap(datastore.NewMapDatastore())
	}
	a := &API{
		ds:        ds,
		clock:     opts.clock,
		latency:   opts.latency,
		errorRate: opts.errorRate,
	}
	if opts.seed {
		if err = a.seed(context.Background(), opts.postCount); err != nil {
			return nil, fmt.Errorf("cannot seed mock api: %w", err)
		}
	}
	return a, nil
}

// FailNext makes the next n calls fail with the given HTTP status.
func (a *API) FailNext(n, status int) {
	a.failMu.Lock()
	a.failCount = n
	a.failStatus = status
	a.failMu.Unlock()
}

// Todos returns all todos ordered by ID.
func (a *API) Todos(ctx context.Context) ([]Todo, error) {
	if err := a.begin(ctx, true); err != nil {
		return nil, err
	}
	return list[Todo](ctx, a.ds, todosPrefix)
}

// Todo returns the todo with the given ID.
func (a *API) Todo(ctx context.Context, id int) (Todo, error) {
	if err := a.begin(ctx, true); err != nil {
		return Todo{}, err
	}
	return get[Todo](ctx, a.ds, todosPrefix, id)
}

// CreateTodo adds a todo with the given title.
func (a *API) CreateTodo(ctx context.Context, title string) (Todo, error) {
	if err := a.begin(ctx, false); err != nil {
		return Todo{}, err
	}
	if strings.TrimSpace(title) == "" {
		return Todo{}, badRequest("title is required")
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	id, err := a.nextID(ctx, todosPrefix)
	if err != nil {
		return Todo{}, err
	}
	todo := Todo{
		ID:        id,
		Title:     title,
		CreatedAt: a.clock.Now().UTC(),
	}
	if err = put(ctx, a.ds, todosPrefix, id, todo); err != nil {
		return Todo{}, err
	}
	log.Debugw("Created todo", "id", id)
	return todo, nil
}

// UpdateTodo changes the fields of a todo that are set in upd.
func (a *API) UpdateTodo(ctx context.Context, id int, upd TodoUpdate) (Todo, error) {
	if err := a.begin(ctx, false); err != nil {
		return Todo{}, err
	}
	if upd.Title != nil && strings.TrimSpace(*upd.Title) == "" {
		return Todo{}, badRequest("title cannot be empty")
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	todo, err := get[Todo](ctx, a.ds, todosPrefix, id)
	if err != nil {
		return Todo{}, err
	}
	if upd.Title != nil {
		todo.Title = *upd.Title
	}
	if upd.Completed != nil {
		todo.Completed = *upd.Completed
	}
	if err = put(ctx, a.ds, todosPrefix, id, todo); err != nil {
		return Todo{}, err
	}
	return todo, nil
}

// DeleteTodo removes a todo.
func (a *API) DeleteTodo(ctx context.Context, id int) error {
	if err := a.begin(ctx, false); err != nil {
		return err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	return remove(ctx, a.ds, todosPrefix, id)
}

// Users returns all users ordered by ID.
func (a *API) Users(ctx context.Context) ([]User, error) {
	if err := a.begin(ctx, true); err != nil {
		return nil, err
	}
	return list[User](ctx, a.ds, usersPrefix)
}

// User returns the user with the given ID.
func (a *API) User(ctx context.Context, id int) (User, error) {
	if err := a.begin(ctx, true); err != nil {
		return User{}, err
	}
	return get[User](ctx, a.ds, usersPrefix, id)
}

// Posts returns one page of posts ordered by ID. A page past the end has no
// data.
func (a *API) Posts(ctx context.Context, page, pageSize int) (Page[Post], error) {
	if err := a.begin(ctx, true); err != nil {
		return Page[Post]{}, err
	}
	if page < 1 {
		return Page[Post]{}, badRequest("page must be at least 1")
	}
	if pageSize < 1 {
		return Page[Post]{}, badRequest("page size must be at least 1")
	}

	posts, err := list[Post](ctx, a.ds, postsPrefix)
	if err != nil {
		return Page[Post]{}, err
	}
	total := len(posts)
	start := min((page-1)*pageSize, total)
	end := min(start+pageSize, total)
	return Page[Post]{
		Data:       posts[start:end],
		Total:      total,
		Page:       page,
		PageSize:   pageSize,
		TotalPages: (total + pageSize - 1) / pageSize,
	}, nil
}

// Post returns the post with the given ID.
func (a *API) Post(ctx context.Context, id int) (Post, error) {
	if err := a.begin(ctx, true); err != nil {
		return Post{}, err
	}
	return get[Post](ctx, a.ds, postsPrefix, id)
}

// LikePost adds one like to a post and returns the updated post.
func (a *API) LikePost(ctx context.Context, id int) (Post, error) {
	if err := a.begin(ctx, false); err != nil {
		return Post{}, err
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	post, err := get[Post](ctx, a.ds, postsPrefix, id)
	if err != nil {
		return Post{}, err
	}
	post.Likes++
	if err = put(ctx, a.ds, postsPrefix, id, post); err != nil {
		return Post{}, err
	}
	return post, nil
}

// CreatePost adds a post with no likes.
func (a *API) CreatePost(ctx context.Context, np NewPost) (Post, error) {
	if err := a.begin(ctx, false); err != nil {
		return Post{}, err
	}
	if strings.TrimSpace(np.Title) == "" {
		return Post{}, badRequest("title is required")
	}
	if _, err := get[User](ctx, a.ds, usersPrefix, np.AuthorID); err != nil {
		if errors.Is(err, ErrNotFound) {
			return Post{}, badRequest(fmt.Sprintf("unknown author %d", np.AuthorID))
		}
		return Post{}, err
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	id, err := a.nextID(ctx, postsPrefix)
	if err != nil {
		return Post{}, err
	}
	post := Post{
		ID:        id,
		Title:     np.Title,
		Content:   np.Content,
		AuthorID:  np.AuthorID,
		CreatedAt: a.clock.Now().UTC(),
	}
	if err = put(ctx, a.ds, postsPrefix, id, post); err != nil {
		return Post{}, err
	}
	log.Debugw("Created post", "id", id)
	return post, nil
}

// DeletePost removes a post.
func (a *API) DeletePost(ctx context.Context, id int) error {
	if err := a.begin(ctx, false); err != nil {
		return err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	return remove(ctx, a.ds, postsPrefix, id)
}

// begin applies the simulated latency and failures to a call.
func (a *API) begin(ctx context.Context, read bool) error {
	if a.latency != 0 {
		t := a.clock.Timer(a.latency)
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		}
	}

	a.failMu.Lock()
	if a.failCount > 0 {
		a.failCount--
		status := a.failStatus
		a.failMu.Unlock()
		return apierror.New(errors.New("simulated failure"), status)
	}
	a.failMu.Unlock()

	if read && a.errorRate != 0 && rand.Float64() < a.errorRate {
		return apierror.New(errors.New("simulated network error"), http.StatusServiceUnavailable)
	}
	return nil
}

// nextID returns one more than the highest ID under prefix. Must be called
// with mu held.
func (a *API) nextID(ctx context.Context, prefix string) (int, error) {
	results, err := a.ds.Query(ctx, dsq.Query{
		Prefix:   prefix,
		KeysOnly: true,
		Orders:   []dsq.Order{dsq.OrderByKeyDescending{}},
		Limit:    1,
	})
	if err != nil {
		return 0, err
	}
	entries, err := results.Rest()
	if err != nil {
		return 0, err
	}
	if len(entries) == 0 {
		return 1, nil
	}
	id, err := strconv.Atoi(datastore.RawKey(entries[0].Key).Name())
	if err != nil {
		return 0, fmt.Errorf("bad record key %s: %w", entries[0].Key, err)
	}
	return id + 1, nil
}

func (a *API) seed(ctx context.Context, postCount int) error {
	now := a.clock.Now().UTC()
	todos := []Todo{
		{ID: 1, Title: "Learn query caching", CreatedAt: now},
		{ID: 2, Title: "Master Run", CreatedAt: now},
		{ID: 3, Title: "Practice mutations", Completed: true, CreatedAt: now},
		{ID: 4, Title: "Implement pagination", CreatedAt: now},
		{ID: 5, Title: "Apply optimistic updates", CreatedAt: now},
	}
	users := []User{
		{ID: 1, Name: "Kim Chulsoo", Email: "kim@example.com", Avatar: "K"},
		{ID: 2, Name: "Lee Younghee", Email: "lee@example.com", Avatar: "L"},
		{ID: 3, Name: "Park Minsu", Email: "park@example.com", Avatar: "P"},
		{ID: 4, Name: "Choi Jieun", Email: "choi@example.com", Avatar: "C"},
	}

	batch, err := a.ds.Batch(ctx)
	if err != nil {
		return err
	}
	var errs error
	add := func(prefix string, id int, v any) {
		data, err := json.Marshal(v)
		if err != nil {
			errs = multierror.Append(errs, err)
			return
		}
		if err = batch.Put(ctx, recordKey(prefix, id), data); err != nil {
			errs = multierror.Append(errs, err)
		}
	}
	for _, todo := range todos {
		add(todosPrefix, todo.ID, todo)
	}
	for _, user := range users {
		add(usersPrefix, user.ID, user)
	}
	for i := 0; i < postCount; i++ {
		add(postsPrefix, i+1, Post{
			ID:        i + 1,
			Title:     fmt.Sprintf("Post title %d", i+1),
			Content:   fmt.Sprintf("Content of post %d. Caching server state makes data handling easy.", i+1),
			AuthorID:  i%len(users) + 1,
			Likes:     (i * 37) % 100,
			CreatedAt: now.Add(-time.Duration(postCount-i) * time.Hour),
		})
	}
	if errs != nil {
		return errs
	}
	return batch.Commit(ctx)
}

func recordKey(prefix string, id int) datastore.Key {
	// Zero padded so that key order is ID order.
	return datastore.NewKey(fmt.Sprintf("%s/%010d", prefix, id))
}

func kindOf(prefix string) string {
	return strings.TrimSuffix(strings.TrimPrefix(prefix, "/"), "s")
}

func get[T any](ctx context.Context, ds datastore.Datastore, prefix string, id int) (T, error) {
	var v T
	data, err := ds.Get(ctx, recordKey(prefix, id))
	if err != nil {
		if errors.Is(err, datastore.ErrNotFound) {
			return v, notFound(prefix, id)
		}
		return v, fmt.Errorf("cannot read %s %d: %w", kindOf(prefix), id, err)
	}
	if err = json.Unmarshal(data, &v); err != nil {
		return v, fmt.Errorf("cannot decode %s %d: %w", kindOf(prefix), id, err)
	}
	return v, nil
}

func put(ctx context.Context, ds datastore.Datastore, prefix string, id int, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if err = ds.Put(ctx, recordKey(prefix, id), data); err != nil {
		return fmt.Errorf("cannot write %s %d: %w", kindOf(prefix), id, err)
	}
	return nil
}

func remove(ctx context.Context, ds datastore.Datastore, prefix string, id int) error {
	key := recordKey(prefix, id)
	ok, err := ds.Has(ctx, key)
	if err != nil {
		return err
	}
	if !ok {
		return notFound(prefix, id)
	}
	return ds.Delete(ctx, key)
}

func list[T any](ctx context.Context, ds datastore.Datastore, prefix string) ([]T, error) {
	results, err := ds.Query(ctx, dsq.Query{
		Prefix: prefix,
		Orders: []dsq.Order{dsq.OrderByKey{}},
	})
	if err != nil {
		return nil, err
	}
	entries, err := results.Rest()
	if err != nil {
		return nil, err
	}
	out := make([]T, 0, len(entries))
	for _, ent := range entries {
		var v T
		if err = json.Unmarshal(ent.Value, &v); err != nil {
			return nil, fmt.Errorf("cannot decode %s: %w", ent.Key, err)
		}
		out = append(out, v)
	}
	return out, nil
}

func notFound(prefix string, id int) error {
	return apierror.New(fmt.Errorf("%s %d %w", kindOf(prefix), id, ErrNotFound), http.StatusNotFound)
}

func badRequest(msg string) error {
	return apierror.New(errors.New(msg), http.StatusBadRequest)
}
