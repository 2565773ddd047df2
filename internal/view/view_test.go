package view_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	version "github.com/hashicorp/go-version"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xkilldash9x/harbormaster/internal/browser"
	"github.com/xkilldash9x/harbormaster/internal/browser/browsertest"
	"github.com/xkilldash9x/harbormaster/internal/config"
	"github.com/xkilldash9x/harbormaster/internal/view"
)

type testRoot struct {
	b *browser.Browser
}

func (r *testRoot) Browser() *browser.Browser { return r.b }

func newRoot(t *testing.T, opts ...browser.Option) (*testRoot, *browsertest.FakeDriver) {
	t.Helper()
	driver := browsertest.New()
	b := browser.New(driver, config.BrowserConfig{
		StaleRetries:    3,
		StaleRetryDelay: time.Millisecond,
	}, nil, opts...)
	return &testRoot{b: b}, driver
}

func loginDefinition() *view.Definition {
	return view.NewDefinition("Login").
		Root(browser.ID("login_div")).
		Widget("username", view.Input([]string{"user_name"})).
		Widget("password", view.Input([]string{"user_password"})).
		Widget("remember_me", view.Checkbox([]string{"remember_me"})).
		Widget("login_button", view.Button("Login"))
}

func TestWidgetCacheIdentity(t *testing.T) {
	root, _ := newRoot(t)
	v := view.New(loginDefinition(), root, nil)

	first := v.MustWidget("username")
	second := v.MustWidget("username")
	assert.Same(t, first, second, "repeated access must return the identical widget")

	v.FlushWidgetCache()
	third := v.MustWidget("username")
	assert.NotSame(t, first, third, "flushing must force a fresh widget")
}

func TestWidgetNamesPreserveDeclarationOrder(t *testing.T) {
	root, _ := newRoot(t)
	v := view.New(loginDefinition(), root, nil)

	assert.Equal(t, []string{"username", "password", "remember_me", "login_button"}, v.WidgetNames())

	widgets := v.Widgets()
	require.Len(t, widgets, 4)
	assert.Same(t, v.MustWidget("username"), widgets[0])
}

func TestUnknownWidget(t *testing.T) {
	root, _ := newRoot(t)
	v := view.New(loginDefinition(), root, nil)
	_, err := v.Widget("nope")
	require.Error(t, err)
}

func TestDuplicateDeclarationPanics(t *testing.T) {
	assert.Panics(t, func() {
		view.NewDefinition("Broken").
			Widget("x", view.Button("A")).
			Widget("x", view.Button("B"))
	})
}

func TestSubViewMaterialization(t *testing.T) {
	menu := view.NewDefinition("Menu").
		Root(browser.ID("menu")).
		Widget("logout", view.Button("Log Out"))
	shell := view.NewDefinition("Shell").
		SubView("menu", menu).
		Widget("body", view.Text(browser.ID("content")))

	root, _ := newRoot(t)
	v := view.New(shell, root, nil)

	sub, err := v.SubView("menu")
	require.NoError(t, err)
	assert.Equal(t, "Menu", sub.Name())
	assert.Same(t, v, sub.ParentView())

	// Flushing the parent flushes nested caches too.
	inner := sub.MustWidget("logout")
	v.FlushWidgetCache()
	sub2, err := v.SubView("menu")
	require.NoError(t, err)
	assert.NotSame(t, sub, sub2)
	assert.NotSame(t, inner, sub2.MustWidget("logout"))
}

func TestInputFillAndRead(t *testing.T) {
	root, d := newRoot(t)
	ctx := context.Background()

	d.AddNode(&browsertest.Node{ID: "root", Displayed: true, InView: true})
	d.MapQuery("#login_div", "root")
	field := d.AddNode(&browsertest.Node{
		ID: "user-input", Tag: "input", Displayed: true, InView: true,
		Attrs: map[string]string{"value": ""},
	})
	d.MapQuery(`//*[(self::input or self::textarea) and (@name="user_name")]`, "user-input")

	v := view.New(loginDefinition(), root, nil)
	w := v.MustWidget("username")
	fillable := w.(view.Fillable)

	changed, err := fillable.Fill(ctx, "admin")
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, "admin", field.Attrs["value"])

	// Filling the same value again is a no-op.
	changed, err = fillable.Fill(ctx, "admin")
	require.NoError(t, err)
	assert.False(t, changed)

	got, err := w.(view.Readable).Read(ctx)
	require.NoError(t, err)
	assert.Equal(t, "admin", got)
}

func TestViewFillReportsUnknownWidget(t *testing.T) {
	root, _ := newRoot(t)
	v := view.New(loginDefinition(), root, nil)
	_, err := v.Fill(context.Background(), map[string]any{"no_such_field": "x"})
	require.Error(t, err)
}

func TestContextDefaults(t *testing.T) {
	var c view.Context
	assert.Nil(t, c.Get("anything"))
	assert.False(t, c.Has("anything"))

	c = view.Context{"user": "admin"}
	merged := c.Merge(view.Context{"user": "bob", "extra": 1})
	if diff := cmp.Diff(view.Context{"user": "bob", "extra": 1}, merged); diff != "" {
		t.Errorf("merged context mismatch (-want +got):\n%s", diff)
	}
	assert.Equal(t, "admin", c.Get("user"), "merge must not mutate the receiver")

	sub := merged.Subset([]string{"extra", "absent"})
	if diff := cmp.Diff(view.Context{"extra": 1}, sub); diff != "" {
		t.Errorf("subset mismatch (-want +got):\n%s", diff)
	}
}

func TestVersionPick(t *testing.T) {
	pv := func(s string) *version.Version {
		v, err := version.NewVersion(s)
		require.NoError(t, err)
		return v
	}

	root, d := newRoot(t, browser.WithProductVersion(
		func(context.Context) (*version.Version, error) { return pv("5.10.2"), nil }))

	d.AddNode(&browsertest.Node{ID: "new-style", Displayed: true, InView: true, Text: "new"})
	d.MapQuery("#new-style", "new-style")
	d.AddNode(&browsertest.Node{ID: "old-style", Displayed: true, InView: true, Text: "old"})
	d.MapQuery("#old-style", "old-style")

	def := view.NewDefinition("Versioned").
		Widget("banner", view.PickByVersion(map[string]view.Constructor{
			"5.9":  view.Text(browser.ID("old-style")),
			"5.10": view.Text(browser.ID("new-style")),
		}))
	v := view.New(def, root, nil)

	got, err := v.MustWidget("banner").(view.Readable).Read(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "new", got)
}
