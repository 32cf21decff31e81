package service

import (
	"reflect"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lk2023060901/modloader/pkg/moderr"
)

type greeter interface {
	Greet() string
}

type englishGreeter struct{ name string }

func (g *englishGreeter) Greet() string { return "hello " + g.name }

type valueGreeter struct{}

func (valueGreeter) Greet() string { return "hi" }

type notAGreeter struct{}

func TestAddAndGetController(t *testing.T) {
	r := NewRegistry()

	a := &englishGreeter{name: "a"}
	b := &englishGreeter{name: "b"}
	_, err := AddController[greeter](r, a, "A")
	require.NoError(t, err)
	_, err = AddController[greeter](r, b, "B")
	require.NoError(t, err)

	handles := GetController[greeter](r)
	require.Len(t, handles, 2)
	assert.Equal(t, "A", handles[0].Owner())
	assert.Equal(t, "B", handles[1].Owner())

	v, err := handles[1].Get()
	require.NoError(t, err)
	assert.Equal(t, "hello b", v.Greet())

	first, err := FirstController[greeter](r)
	require.NoError(t, err)
	assert.Same(t, a, first)
}

func TestAddControllerValidation(t *testing.T) {
	r := NewRegistry()

	_, err := AddController[greeter](r, &englishGreeter{}, "")
	assert.Equal(t, errEmptyOwner, err)

	var nilGreeter *englishGreeter
	_, err = AddController[greeter](r, nilGreeter, "A")
	assert.Equal(t, errNilInstance, err)

	_, err = FirstController[greeter](r)
	assert.Error(t, err)
}

func TestRemoveController(t *testing.T) {
	r := NewRegistry()
	a := &englishGreeter{name: "a"}
	h, err := AddController[greeter](r, a, "A")
	require.NoError(t, err)

	assert.True(t, RemoveController[greeter](r, a))
	assert.False(t, RemoveController[greeter](r, a))
	assert.Empty(t, GetController[greeter](r))

	_, err = h.Get()
	assert.True(t, errors.Is(err, moderr.ErrStaleHandle))
}

func TestOnModUnloadingInvalidatesHandles(t *testing.T) {
	r := NewRegistry()
	ha, err := AddController[greeter](r, &englishGreeter{name: "a"}, "A")
	require.NoError(t, err)
	_, err = AddController[greeter](r, &englishGreeter{name: "b"}, "B")
	require.NoError(t, err)

	assert.Equal(t, 1, r.OnModUnloading("A"))
	assert.Equal(t, 0, r.OnModUnloading("A"))

	handles := GetController[greeter](r)
	require.Len(t, handles, 1)
	assert.Equal(t, "B", handles[0].Owner())

	_, err = ha.Get()
	assert.True(t, errors.Is(err, moderr.ErrStaleHandle))
	assert.False(t, ha.Valid())
	assert.Panics(t, func() { ha.MustGet() })
}

func TestSlotReuseDoesNotRevive(t *testing.T) {
	r := NewRegistry()
	old, err := AddController[greeter](r, &englishGreeter{name: "old"}, "A")
	require.NoError(t, err)
	r.OnModUnloading("A")

	fresh, err := AddController[greeter](r, &englishGreeter{name: "new"}, "A")
	require.NoError(t, err)
	assert.Equal(t, old.index, fresh.index)

	_, err = old.Get()
	assert.True(t, errors.Is(err, moderr.ErrStaleHandle))
	v, err := fresh.Get()
	require.NoError(t, err)
	assert.Equal(t, "hello new", v.Greet())
}

func TestDiscoverPlugins(t *testing.T) {
	r := NewRegistry()
	sources := []Source{
		{Owner: "A", Exports: []any{englishGreeter{}, notAGreeter{}}},
		{Owner: "B", Exports: []any{valueGreeter{}, &valueGreeter{}}},
		{Owner: "C", Exports: []any{englishGreeter{}}, Shares: func(reflect.Type) bool { return false }},
	}

	plugins, err := DiscoverPlugins[greeter](r, sources)
	require.NoError(t, err)
	require.Len(t, plugins, 2)
	assert.Equal(t, "A", plugins[0].Owner)
	assert.Equal(t, "B", plugins[1].Owner)

	v, err := plugins[1].Handle.Get()
	require.NoError(t, err)
	assert.Equal(t, "hi", v.Greet())

	again, err := DiscoverPlugins[greeter](r, sources[:1])
	require.NoError(t, err)
	require.Len(t, again, 1)
	first, _ := plugins[0].Handle.Get()
	second, _ := again[0].Handle.Get()
	assert.Same(t, first, second)

	assert.Empty(t, GetController[greeter](r))
	assert.Equal(t, 1, r.Count("A"))

	r.OnModUnloading("A")
	_, err = plugins[0].Handle.Get()
	assert.True(t, errors.Is(err, moderr.ErrStaleHandle))
	_, err = plugins[1].Handle.Get()
	assert.NoError(t, err)
}

func TestDiscoverPluginsRequiresInterface(t *testing.T) {
	_, err := DiscoverPlugins[englishGreeter](NewRegistry(), nil)
	assert.Equal(t, errNotInterface, err)
}

func TestHandleRelease(t *testing.T) {
	r := NewRegistry()
	h, err := AddController[greeter](r, &englishGreeter{}, "A")
	require.NoError(t, err)
	assert.True(t, h.Release())
	assert.False(t, h.Release())
	assert.Equal(t, 0, r.Count(""))
	assert.Empty(t, r.Entries())

	var zero Handle[greeter]
	assert.False(t, zero.Valid())
	assert.False(t, zero.Release())
}

func TestRepeatedDiscoveryDoesNotGrow(t *testing.T) {
	r := NewRegistry()
	sources := []Source{{Owner: "A", Exports: []any{englishGreeter{}}}}

	var last []Plugin[greeter]
	for range 1000 {
		plugins, err := DiscoverPlugins[greeter](r, sources)
		require.NoError(t, err)
		require.Len(t, plugins, 1)
		last = plugins
	}
	assert.Equal(t, 1, r.Count("A"))

	old, err := last[0].Handle.Get()
	require.NoError(t, err)
	require.True(t, last[0].Handle.Release())
	assert.Equal(t, 0, r.Count("A"))

	fresh, err := DiscoverPlugins[greeter](r, sources)
	require.NoError(t, err)
	require.Len(t, fresh, 1)
	v, err := fresh[0].Handle.Get()
	require.NoError(t, err)
	assert.NotSame(t, old, v)
	assert.Equal(t, 1, r.Count("A"))

	// 控制器不去重，同一 owner 可以发布多个同类实例。
	_, err = AddController[greeter](r, &englishGreeter{name: "x"}, "A")
	require.NoError(t, err)
	_, err = AddController[greeter](r, &englishGreeter{name: "y"}, "A")
	require.NoError(t, err)
	assert.Equal(t, 3, r.Count("A"))
}

func TestAdmission(t *testing.T) {
	r := NewRegistry()
	assert.True(t, r.Admitted("A"))

	r.RequireAdmission()
	assert.False(t, r.Admitted("A"))

	_, err := AddController[greeter](r, &englishGreeter{}, "A")
	assert.True(t, errors.Is(err, ErrOwnerNotActive))
	assert.Equal(t, 0, r.Count(""))

	r.Admit("A")
	_, err = AddController[greeter](r, &englishGreeter{}, "A")
	require.NoError(t, err)

	sources := []Source{
		{Owner: "A", Exports: []any{valueGreeter{}}},
		{Owner: "B", Exports: []any{valueGreeter{}}},
	}
	plugins, err := DiscoverPlugins[greeter](r, sources)
	require.NoError(t, err)
	require.Len(t, plugins, 1)
	assert.Equal(t, "A", plugins[0].Owner)

	assert.Equal(t, 2, r.OnModUnloading("A"))
	assert.False(t, r.Admitted("A"))
	_, err = AddController[greeter](r, &englishGreeter{}, "A")
	assert.True(t, errors.Is(err, ErrOwnerNotActive))
	assert.Empty(t, GetController[greeter](r))
}
