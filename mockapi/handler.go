package mockapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/ipni/go-querycache/apierror"
)

// Handler returns the REST routes of the API:
//
//	GET    /todos             list todos
//	POST   /todos             create a todo from {"title": ...}
//	GET    /todos/{id}        get a todo
//	PATCH  /todos/{id}        update a todo from a TodoUpdate
//	DELETE /todos/{id}        delete a todo
//	GET    /users             list users
//	GET    /users/{id}        get a user
//	GET    /posts             list posts, with ?page= and ?pageSize=
//	POST   /posts             create a post from a NewPost
//	GET    /posts/{id}        get a post
//	POST   /posts/{id}/like   like a post
//	DELETE /posts/{id}        delete a post
//
// Errors are written as apierror messages.
func (a *API) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /todos", func(w http.ResponseWriter, r *http.Request) {
		todos, err := a.Todos(r.Context())
		writeResult(w, http.StatusOK, todos, err)
	})
	mux.HandleFunc("POST /todos", func(w http.ResponseWriter, r *http.Request) {
		var in struct {
			Title string `json:"title"`
		}
		if !readJSON(w, r, &in) {
			return
		}
		todo, err := a.CreateTodo(r.Context(), in.Title)
		writeResult(w, http.StatusCreated, todo, err)
	})
	mux.HandleFunc("GET /todos/{id}", func(w http.ResponseWriter, r *http.Request) {
		id, ok := pathID(w, r)
		if !ok {
			return
		}
		todo, err := a.Todo(r.Context(), id)
		writeResult(w, http.StatusOK, todo, err)
	})
	mux.HandleFunc("PATCH /todos/{id}", func(w http.ResponseWriter, r *http.Request) {
		id, ok := pathID(w, r)
		if !ok {
			return
		}
		var upd TodoUpdate
		if !readJSON(w, r, &upd) {
			return
		}
		todo, err := a.UpdateTodo(r.Context(), id, upd)
		writeResult(w, http.StatusOK, todo, err)
	})
	mux.HandleFunc("DELETE /todos/{id}", func(w http.ResponseWriter, r *http.Request) {
		id, ok := pathID(w, r)
		if !ok {
			return
		}
		writeResult(w, http.StatusNoContent, nil, a.DeleteTodo(r.Context(), id))
	})

	mux.HandleFunc("GET /users", func(w http.ResponseWriter, r *http.Request) {
		users, err := a.Users(r.Context())
		writeResult(w, http.StatusOK, users, err)
	})
	mux.HandleFunc("GET /users/{id}", func(w http.ResponseWriter, r *http.Request) {
		id, ok := pathID(w, r)
		if !ok {
			return
		}
		user, err := a.User(r.Context(), id)
		writeResult(w, http.StatusOK, user, err)
	})

	mux.HandleFunc("GET /posts", func(w http.ResponseWriter, r *http.Request) {
		page, err := queryInt(r, "page", 1)
		if err != nil {
			apierror.WriteError(w, err)
			return
		}
		pageSize, err := queryInt(r, "pageSize", defaultPageSize)
		if err != nil {
			apierror.WriteError(w, err)
			return
		}
		posts, err := a.Posts(r.Context(), page, pageSize)
		writeResult(w, http.StatusOK, posts, err)
	})
	mux.HandleFunc("POST /posts", func(w http.ResponseWriter, r *http.Request) {
		var np NewPost
		if !readJSON(w, r, &np) {
			return
		}
		post, err := a.CreatePost(r.Context(), np)
		writeResult(w, http.StatusCreated, post, err)
	})
	mux.HandleFunc("GET /posts/{id}", func(w http.ResponseWriter, r *http.Request) {
		id, ok := pathID(w, r)
		if !ok {
			return
		}
		post, err := a.Post(r.Context(), id)
		writeResult(w, http.StatusOK, post, err)
	})
	mux.HandleFunc("POST /posts/{id}/like", func(w http.ResponseWriter, r *http.Request) {
		id, ok := pathID(w, r)
		if !ok {
			return
		}
		post, err := a.LikePost(r.Context(), id)
		writeResult(w, http.StatusOK, post, err)
	})
	mux.HandleFunc("DELETE /posts/{id}", func(w http.ResponseWriter, r *http.Request) {
		id, ok := pathID(w, r)
		if !ok {
			return
		}
		writeResult(w, http.StatusNoContent, nil, a.DeletePost(r.Context(), id))
	})

	return logRequests(mux)
}

func logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		log.Debugw("Handling request", "method", r.Method, "path", r.URL.Path)
		next.ServeHTTP(w, r)
	})
}

func pathID(w http.ResponseWriter, r *http.Request) (int, bool) {
	id, err := strconv.Atoi(r.PathValue("id"))
	if err != nil {
		apierror.WriteError(w, apierror.New(fmt.Errorf("invalid id %q", r.PathValue("id")), http.StatusBadRequest))
		return 0, false
	}
	return id, true
}

func queryInt(r *http.Request, name string, def int) (int, error) {
	s := r.URL.Query().Get(name)
	if s == "" {
		return def, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, apierror.New(fmt.Errorf("invalid %s %q", name, s), http.StatusBadRequest)
	}
	return n, nil
}

func readJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		apierror.WriteError(w, apierror.New(fmt.Errorf("invalid request body: %w", err), http.StatusBadRequest))
		return false
	}
	return true
}

func writeResult(w http.ResponseWriter, status int, v any, err error) {
	if err != nil {
		var apiErr *apierror.Error
		if !errors.As(err, &apiErr) {
			log.Errorw("Request failed", "err", err)
		}
		apierror.WriteError(w, err)
		return
	}
	if status == http.StatusNoContent {
		w.WriteHeader(status)
		return
	}
	data, err := json.Marshal(v)
	if err != nil {
		log.Errorw("Cannot encode response", "err", err)
		apierror.WriteError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(data)
}
