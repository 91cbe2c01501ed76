package mockapi_test

import (
	"context"
	"net/http"
	"net/url"
	"testing"

	"github.com/ipni/go-querycache/apierror"
	"github.com/ipni/go-querycache/internal/test"
	"github.com/ipni/go-querycache/mockapi"
	"github.com/stretchr/testify/require"
)

func TestHandlerTodos(t *testing.T) {
	_, c := test.NewMockServer(t)
	ctx := context.Background()

	var todos []mockapi.Todo
	require.NoError(t, c.GetJSON(ctx, "todos", nil, &todos))
	require.Len(t, todos, 5)

	var created mockapi.Todo
	err := c.SendJSON(ctx, http.MethodPost, "todos", map[string]string{"title": "new"}, &created)
	require.NoError(t, err)
	require.Equal(t, 6, created.ID)

	done := true
	var updated mockapi.Todo
	err = c.SendJSON(ctx, http.MethodPatch, "todos/6", mockapi.TodoUpdate{Completed: &done}, &updated)
	require.NoError(t, err)
	require.True(t, updated.Completed)

	require.NoError(t, c.SendJSON(ctx, http.MethodDelete, "todos/6", nil, nil))

	var todo mockapi.Todo
	err = c.GetJSON(ctx, "todos/6", nil, &todo)
	require.True(t, apierror.IsNotFound(err))
	require.ErrorContains(t, err, "todo 6 not found")

	err = c.GetJSON(ctx, "todos/abc", nil, &todo)
	require.Equal(t, http.StatusBadRequest, apierror.StatusOf(err))
}

func TestHandlerPosts(t *testing.T) {
	_, c := test.NewMockServer(t)
	ctx := context.Background()

	var page mockapi.Page[mockapi.Post]
	err := c.GetJSON(ctx, "posts", url.Values{"page": {"2"}, "pageSize": {"5"}}, &page)
	require.NoError(t, err)
	require.Equal(t, 2, page.Page)
	require.Len(t, page.Data, 5)
	require.Equal(t, 6, page.Data[0].ID)
	require.Equal(t, 10, page.TotalPages)

	err = c.GetJSON(ctx, "posts", url.Values{"page": {"x"}}, &page)
	require.Equal(t, http.StatusBadRequest, apierror.StatusOf(err))

	var post mockapi.Post
	require.NoError(t, c.GetJSON(ctx, "posts/3", nil, &post))
	likes := post.Likes
	require.NoError(t, c.SendJSON(ctx, http.MethodPost, "posts/3/like", nil, &post))
	require.Equal(t, likes+1, post.Likes)

	var user mockapi.User
	require.NoError(t, c.GetJSON(ctx, "users/1", nil, &user))
	require.Equal(t, 1, user.ID)
}

func TestHandlerFailNext(t *testing.T) {
	api, c := test.NewMockServer(t)

	api.FailNext(1, http.StatusInternalServerError)
	var todos []mockapi.Todo
	err := c.GetJSON(context.Background(), "todos", nil, &todos)
	require.Equal(t, http.StatusInternalServerError, apierror.StatusOf(err))
	require.ErrorContains(t, err, "simulated failure")
}

func TestHandlerCreateTodos(t *testing.T) {
	_, c := test.NewMockServer(t, mockapi.WithoutSeed())
	ctx := context.Background()

	titles := test.RandomTitles(10)
	for _, title := range titles {
		var todo mockapi.Todo
		require.NoError(t, c.SendJSON(ctx, http.MethodPost, "todos", map[string]string{"title": title}, &todo))
		require.Equal(t, title, todo.Title)
	}

	var todos []mockapi.Todo
	require.NoError(t, c.GetJSON(ctx, "todos", nil, &todos))
	require.Len(t, todos, len(titles))
	for i, todo := range todos {
		require.Equal(t, i+1, todo.ID)
		require.Equal(t, titles[i], todo.Title)
	}
}
