package querykey_test

import (
	"encoding/json"
	"testing"

	"github.com/ipni/go-querycache/querykey"
	"github.com/stretchr/testify/require"
)

type pageParams struct {
	Page     int `json:"page"`
	PageSize int `json:"pageSize"`
}

func TestStructuralEquality(t *testing.T) {
	k1 := querykey.MustNew("posts", map[string]any{"page": 1, "pageSize": 10})
	k2 := querykey.MustNew("posts", map[string]any{"pageSize": 10, "page": 1.0})
	k3 := querykey.MustNew("posts", pageParams{Page: 1, PageSize: 10})

	require.True(t, k1.Equal(k2))
	require.True(t, k1.Equal(k3))
	require.Equal(t, `["posts",{"page":1,"pageSize":10}]`, k1.String())

	k4 := querykey.MustNew("posts", pageParams{Page: 2, PageSize: 10})
	require.False(t, k1.Equal(k4))
}

func TestHasPrefix(t *testing.T) {
	todos := querykey.MustNew("todos")

	require.True(t, querykey.MustNew("todos").HasPrefix(todos))
	require.True(t, querykey.MustNew("todos", 1).HasPrefix(todos))
	require.True(t, querykey.MustNew("todos", map[string]string{"filter": "done"}).HasPrefix(todos))
	require.False(t, querykey.MustNew("users").HasPrefix(todos))
	require.False(t, querykey.MustNew("todo", 1).HasPrefix(todos))

	// Longer prefix never matches a shorter key.
	require.False(t, todos.HasPrefix(querykey.MustNew("todos", 1)))

	// Zero key matches everything.
	var zero querykey.Key
	require.True(t, zero.IsZero())
	require.True(t, todos.HasPrefix(zero))
	require.Equal(t, "[]", zero.String())
}

func TestNewRejectsUnencodable(t *testing.T) {
	_, err := querykey.New("bad", func() {})
	require.ErrorContains(t, err, "key part 1")

	require.Panics(t, func() {
		querykey.MustNew(make(chan int))
	})
}

func TestParseRoundTrip(t *testing.T) {
	k := querykey.MustNew("todo", 7, map[string]any{"done": true})
	pk, err := querykey.Parse(k.String())
	require.NoError(t, err)
	require.True(t, k.Equal(pk))
	require.Equal(t, 3, pk.Len())

	var decoded struct {
		Key querykey.Key
	}
	data, err := json.Marshal(struct{ Key querykey.Key }{k})
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(data, &decoded))
	require.True(t, k.Equal(decoded.Key))

	_, err = querykey.Parse("not json")
	require.ErrorContains(t, err, "cannot parse key")
}

func TestLargeIntegers(t *testing.T) {
	k1 := querykey.MustNew("id", uint64(9223372036854775808))
	k2 := querykey.MustNew("id", uint64(9223372036854775809))
	require.False(t, k1.Equal(k2))
	require.Equal(t, `["id",9223372036854775809]`, k2.String())

	pk, err := querykey.Parse(`["id",9223372036854775809]`)
	require.NoError(t, err)
	require.True(t, k2.Equal(pk))

	e1, err := querykey.Parse(`[1e20]`)
	require.NoError(t, err)
	e2, err := querykey.Parse(`[100000000000000000000.0]`)
	require.NoError(t, err)
	require.True(t, e1.Equal(e2))
	require.Equal(t, `[100000000000000000000]`, e1.String())

	f1, err := querykey.Parse(`[2.5]`)
	require.NoError(t, err)
	require.True(t, f1.Equal(querykey.MustNew(2.50)))
}

func TestAppendAndParts(t *testing.T) {
	base := querykey.MustNew("user")
	k, err := base.Append(1)
	require.NoError(t, err)
	require.True(t, k.Equal(querykey.MustNew("user", 1)))
	require.True(t, k.HasPrefix(base))

	parts := k.Parts()
	require.Equal(t, "user", parts[0])
	require.Equal(t, json.Number("1"), parts[1])

	// Modifying returned parts does not modify the key.
	parts[0] = "changed"
	require.Equal(t, `["user",1]`, k.String())
}
