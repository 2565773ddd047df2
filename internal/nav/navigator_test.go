package nav_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xkilldash9x/harbormaster/internal/browser"
	"github.com/xkilldash9x/harbormaster/internal/browser/browsertest"
	"github.com/xkilldash9x/harbormaster/internal/config"
	"github.com/xkilldash9x/harbormaster/internal/nav"
	"github.com/xkilldash9x/harbormaster/internal/view"
)

func fastNavConfig() config.NavigatorConfig {
	return config.NavigatorConfig{
		PageSafeTimeout: 100 * time.Millisecond,
		PageSafePoll:    5 * time.Millisecond,
	}
}

func newTestBrowser(opts ...browser.Option) (*browsertest.FakeDriver, *browser.Browser) {
	d := browsertest.New()
	b := browser.New(d, config.BrowserConfig{StaleRetries: 2, StaleRetryDelay: time.Millisecond}, nil, opts...)
	return d, b
}

// appState stands in for the application: recognition predicates consult the
// page field instead of probing a real DOM.
type appState struct {
	page string
}

func (a *appState) onPage(name string) view.OnViewFunc {
	return func(context.Context, *view.View) (bool, error) {
		return a.page == name, nil
	}
}

func (a *appState) goTo(name string) view.TransitionMethod {
	return func(context.Context, *view.View, view.Context) error {
		a.page = name
		return nil
	}
}

// linearApp builds Login -> Dashboard -> Settings with a dotted sub-view
// transition Dashboard.menu.logout back to Login.
func linearApp(app *appState) *nav.Registry {
	menu := view.NewDefinition("DashboardMenu").
		Transition("logout", view.TransitionSpec{
			Targets: []string{"Login"},
			Method: func(ctx context.Context, v *view.View, nctx view.Context) error {
				app.page = "Login"
				return nil
			},
		})

	login := view.NewDefinition("Login").
		OnView(app.onPage("Login")).
		OnLoad(func(ctx context.Context, v *view.View, nctx view.Context) error {
			app.page = "Login"
			return v.Browser().Driver().Navigate(ctx, "https://appliance.example/login")
		}).
		Transition("login_user", view.TransitionSpec{
			Targets: []string{"Dashboard"},
			Params:  []string{"user", "password"},
			Method: func(ctx context.Context, v *view.View, nctx view.Context) error {
				app.page = "Dashboard"
				return nil
			},
		})

	dashboard := view.NewDefinition("Dashboard").
		OnView(app.onPage("Dashboard")).
		SubView("menu", menu).
		Transition("open_settings", view.TransitionSpec{
			Targets: []string{"Settings"},
			Method:  app.goTo("Settings"),
		})

	settings := view.NewDefinition("Settings").
		OnView(app.onPage("Settings"))

	reg := nav.NewRegistry()
	if err := reg.Register(login, dashboard, settings); err != nil {
		panic(err)
	}
	return reg
}

func TestGraphBuildFailsOnUnknownTarget(t *testing.T) {
	bad := view.NewDefinition("Orphan").
		Transition("jump", view.TransitionSpec{
			Targets: []string{"Nowhere"},
			Method:  func(context.Context, *view.View, view.Context) error { return nil },
		})
	reg := nav.NewRegistry()
	require.NoError(t, reg.Register(bad))

	_, b := newTestBrowser()
	_, err := nav.New(reg, "Orphan", b, fastNavConfig())
	var unresolved *nav.UnresolvedTargetError
	require.ErrorAs(t, err, &unresolved)
	assert.Equal(t, "Nowhere", unresolved.Target)
	assert.Equal(t, "jump", unresolved.Transition)
}

func TestGraphBuildRequiresRecognizersForMultiTarget(t *testing.T) {
	noop := func(context.Context, *view.View, view.Context) error { return nil }
	blind := view.NewDefinition("Blind")
	sighted := view.NewDefinition("Sighted").
		OnView(func(context.Context, *view.View) (bool, error) { return true, nil })
	start := view.NewDefinition("Start").
		Transition("toggle", view.TransitionSpec{
			Targets: []string{"Sighted", "Blind"},
			Method:  noop,
		})
	reg := nav.NewRegistry()
	require.NoError(t, reg.Register(start, blind, sighted))

	_, b := newTestBrowser()
	_, err := nav.New(reg, "Start", b, fastNavConfig())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cannot recognize itself")
}

func TestRegistryRejectsDuplicateNames(t *testing.T) {
	reg := nav.NewRegistry()
	require.NoError(t, reg.Register(view.NewDefinition("Login")))
	err := reg.Register(view.NewDefinition("Login"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "registered twice")
}

func TestAllPathsShortestFirstAndIgnored(t *testing.T) {
	app := &appState{}
	noop := func(context.Context, *view.View, view.Context) error { return nil }
	a := view.NewDefinition("A").
		Transition("direct", view.TransitionSpec{Targets: []string{"C"}, Method: noop}).
		Transition("detour", view.TransitionSpec{Targets: []string{"B"}, Method: noop})
	bDef := view.NewDefinition("B").
		Transition("finish", view.TransitionSpec{Targets: []string{"C"}, Method: noop})
	c := view.NewDefinition("C").OnView(app.onPage("C"))
	reg := nav.NewRegistry()
	require.NoError(t, reg.Register(a, bDef, c))

	_, br := newTestBrowser()
	n, err := nav.New(reg, "A", br, fastNavConfig())
	require.NoError(t, err)

	paths, err := n.AllPaths("A", "C", nil)
	require.NoError(t, err)
	require.Len(t, paths, 2)
	assert.Len(t, paths[0], 1)
	assert.Equal(t, "direct", paths[0][0].Name)
	assert.Len(t, paths[1], 2)

	paths, err = n.AllPaths("A", "C", map[string]bool{"B": true})
	require.NoError(t, err)
	require.Len(t, paths, 1)
	assert.Equal(t, "direct", paths[0][0].Name)
}

func TestPathFromToFiltersByDeclaredParams(t *testing.T) {
	app := &appState{}
	reg := linearApp(app)
	_, b := newTestBrowser()
	n, err := nav.New(reg, "Login", b, fastNavConfig())
	require.NoError(t, err)

	_, err = n.PathFromTo("Login", "Dashboard", view.Context{"user": "admin"})
	var missing *nav.PathMissingError
	require.ErrorAs(t, err, &missing)
	assert.Equal(t, "Login", missing.From)
	assert.Equal(t, "Dashboard", missing.To)

	path, err := n.PathFromTo("Login", "Dashboard", view.Context{"user": "admin", "password": "smartvm"})
	require.NoError(t, err)
	require.Len(t, path, 1)
	assert.Equal(t, "login_user", path[0].Name)
}

func TestNavigateLoginToDashboard(t *testing.T) {
	d, b := newTestBrowser()
	ctx := context.Background()

	// A real login form: the transition method fills widgets and clicks
	// through the browser instead of poking test state directly.
	d.AddNode(&browsertest.Node{ID: "login_root", Displayed: true, InView: true})
	d.AddNode(&browsertest.Node{
		ID: "user_input", Tag: "input", Displayed: true, InView: true,
		Attrs: map[string]string{"name": "user_name", "value": ""},
	})
	d.AddNode(&browsertest.Node{
		ID: "pass_input", Tag: "input", Displayed: true, InView: true,
		Attrs: map[string]string{"name": "user_password", "value": ""},
	})
	d.AddNode(&browsertest.Node{
		ID: "login_btn", Tag: "button", Displayed: true, InView: true,
		Attrs: map[string]string{"class": "btn"},
	})
	d.AddNode(&browsertest.Node{ID: "dashboard_root", Displayed: false, InView: true})
	d.MapQuery("#login_div", "login_root")
	d.MapQuery(`//*[(self::input or self::textarea) and (@name="user_name")]`, "user_input")
	d.MapQuery(`//*[(self::input or self::textarea) and (@name="user_password")]`, "pass_input")
	d.MapQuery(`(//a | //button)[contains(@class, "btn") and normalize-space(.)="Login"]`, "login_btn")
	d.MapQuery("#dashboard", "dashboard_root")
	d.ClickFn = func(n *browsertest.Node) {
		if n.ID == "login_btn" {
			d.Node("login_root").Displayed = false
			d.Node("dashboard_root").Displayed = true
		}
	}

	login := view.NewDefinition("Login").
		Root(browser.CSS("#login_div")).
		Widget("user", view.Input([]string{"user_name"})).
		Widget("password", view.Input([]string{"user_password"})).
		Widget("submit", view.Button("Login")).
		OnView(func(ctx context.Context, v *view.View) (bool, error) {
			return v.IsDisplayed(ctx)
		}).
		OnLoad(func(ctx context.Context, v *view.View, nctx view.Context) error {
			return v.Browser().Driver().Navigate(ctx, "https://appliance.example/login")
		}).
		Transition("login_user", view.TransitionSpec{
			Targets: []string{"Dashboard"},
			Params:  []string{"user", "password"},
			Method: func(ctx context.Context, v *view.View, nctx view.Context) error {
				if _, err := v.Fill(ctx, map[string]any{
					"user":     nctx.Get("user"),
					"password": nctx.Get("password"),
				}); err != nil {
					return err
				}
				return v.MustWidget("submit").(*view.ButtonWidget).Click(ctx)
			},
		})
	dashboard := view.NewDefinition("Dashboard").
		Root(browser.CSS("#dashboard")).
		OnView(func(ctx context.Context, v *view.View) (bool, error) {
			return v.IsDisplayed(ctx)
		})

	reg := nav.NewRegistry()
	require.NoError(t, reg.Register(login, dashboard))
	n, err := nav.New(reg, "Login", b, fastNavConfig())
	require.NoError(t, err)

	got, err := n.NavigateTo(ctx, "Dashboard", view.Context{"user": "admin", "password": "smartvm"})
	require.NoError(t, err)
	assert.Equal(t, "Dashboard", got.Name())
	assert.Same(t, got, n.CurrentView())

	// The entry load hook opened the browser and the transition really
	// went through the form.
	assert.Equal(t, []string{"https://appliance.example/login"}, d.NavigatedURLs)
	assert.Equal(t, "admin", d.Node("user_input").Attrs["value"])
	assert.Equal(t, "smartvm", d.Node("pass_input").Attrs["value"])

	// Navigating to the view we are already on is a no-op returning the
	// same instance.
	again, err := n.NavigateTo(ctx, "Dashboard", nil)
	require.NoError(t, err)
	assert.Same(t, got, again)
}

func TestNavigateThroughDottedSubViewTransition(t *testing.T) {
	app := &appState{}
	reg := linearApp(app)
	_, b := newTestBrowser()
	n, err := nav.New(reg, "Login", b, fastNavConfig())
	require.NoError(t, err)
	ctx := context.Background()

	paths, err := n.AllPaths("Dashboard", "Login", nil)
	require.NoError(t, err)
	require.Len(t, paths, 1)
	assert.Equal(t, "menu.logout", paths[0][0].Name)

	creds := view.Context{"user": "admin", "password": "smartvm"}
	_, err = n.NavigateTo(ctx, "Dashboard", creds)
	require.NoError(t, err)

	got, err := n.NavigateTo(ctx, "Login", creds)
	require.NoError(t, err)
	assert.Equal(t, "Login", got.Name())
	assert.Equal(t, "Login", app.page)
}

func TestMultiTargetTransitionResolvesActualLanding(t *testing.T) {
	app := &appState{page: "Start"}
	var runs int
	start := view.NewDefinition("Start").
		OnView(app.onPage("Start")).
		OnLoad(func(context.Context, *view.View, view.Context) error {
			app.page = "Start"
			return nil
		}).
		Transition("toggle", view.TransitionSpec{
			Targets: []string{"InMenuA", "InMenuB"},
			Method: func(context.Context, *view.View, view.Context) error {
				runs++
				app.page = "InMenuB"
				return nil
			},
		})
	inA := view.NewDefinition("InMenuA").OnView(app.onPage("InMenuA"))
	inB := view.NewDefinition("InMenuB").OnView(app.onPage("InMenuB"))
	reg := nav.NewRegistry()
	require.NoError(t, reg.Register(start, inA, inB))

	_, b := newTestBrowser()
	n, err := nav.New(reg, "Start", b, fastNavConfig())
	require.NoError(t, err)

	got, err := n.NavigateTo(context.Background(), "InMenuB", nil)
	require.NoError(t, err)
	assert.Equal(t, "InMenuB", got.Name())
	assert.Equal(t, 1, runs, "landing off plan on the final target must not rerun the transition")
	assert.Same(t, got, n.CurrentView())
}

func TestReplansAfterLandingOffPlan(t *testing.T) {
	// The toggle flips between the two menus, so reaching InMenuA can take
	// two rounds: land on InMenuB, replan through Start, toggle again.
	app := &appState{page: "Start"}
	next := "InMenuB"
	start := view.NewDefinition("Start").
		OnView(app.onPage("Start")).
		OnLoad(func(context.Context, *view.View, view.Context) error {
			app.page = "Start"
			return nil
		}).
		Transition("toggle", view.TransitionSpec{
			Targets: []string{"InMenuA", "InMenuB"},
			Method: func(context.Context, *view.View, view.Context) error {
				app.page = next
				if next == "InMenuB" {
					next = "InMenuA"
				} else {
					next = "InMenuB"
				}
				return nil
			},
		})
	back := func(context.Context, *view.View, view.Context) error {
		app.page = "Start"
		return nil
	}
	inA := view.NewDefinition("InMenuA").
		OnView(app.onPage("InMenuA")).
		Transition("close", view.TransitionSpec{Targets: []string{"Start"}, Method: back})
	inB := view.NewDefinition("InMenuB").
		OnView(app.onPage("InMenuB")).
		Transition("close", view.TransitionSpec{Targets: []string{"Start"}, Method: back})
	reg := nav.NewRegistry()
	require.NoError(t, reg.Register(start, inA, inB))

	_, b := newTestBrowser()
	n, err := nav.New(reg, "Start", b, fastNavConfig())
	require.NoError(t, err)

	got, err := n.NavigateTo(context.Background(), "InMenuA", nil)
	require.NoError(t, err)
	assert.Equal(t, "InMenuA", got.Name())
	assert.Equal(t, "InMenuA", app.page)
}

func TestUnknownLandingClearsCurrentView(t *testing.T) {
	app := &appState{page: "Start"}
	start := view.NewDefinition("Start").
		OnView(app.onPage("Start")).
		OnLoad(func(context.Context, *view.View, view.Context) error {
			app.page = "Start"
			return nil
		}).
		Transition("toggle", view.TransitionSpec{
			Targets: []string{"InMenuA", "InMenuB"},
			Method: func(context.Context, *view.View, view.Context) error {
				app.page = "SomewhereElse"
				return nil
			},
		})
	inA := view.NewDefinition("InMenuA").OnView(app.onPage("InMenuA"))
	inB := view.NewDefinition("InMenuB").OnView(app.onPage("InMenuB"))
	reg := nav.NewRegistry()
	require.NoError(t, reg.Register(start, inA, inB))

	_, b := newTestBrowser()
	n, err := nav.New(reg, "Start", b, fastNavConfig())
	require.NoError(t, err)

	_, err = n.NavigateTo(context.Background(), "InMenuA", nil)
	var unknown *nav.UnknownLandingError
	require.ErrorAs(t, err, &unknown)
	assert.Equal(t, []string{"InMenuA", "InMenuB"}, unknown.Candidates)
	assert.Nil(t, n.CurrentView())
}

type neverReady struct{}

func (neverReady) CheckPageReady(context.Context) (bool, error) { return false, nil }

func TestNavigatePageNotSafe(t *testing.T) {
	app := &appState{}
	reg := linearApp(app)
	_, b := newTestBrowser(browser.WithPageSafeBudget(20*time.Millisecond, 2*time.Millisecond))
	b.SetPlugin(neverReady{})

	cfg := config.NavigatorConfig{PageSafeTimeout: 20 * time.Millisecond, PageSafePoll: 2 * time.Millisecond}
	n, err := nav.New(reg, "Login", b, cfg)
	require.NoError(t, err)

	_, err = n.NavigateTo(context.Background(), "Dashboard",
		view.Context{"user": "admin", "password": "smartvm"})
	var notSafe *nav.PageNotSafeError
	require.ErrorAs(t, err, &notSafe)
}

func TestDetectViewReloadsWhenUnrecognized(t *testing.T) {
	app := &appState{}
	reg := linearApp(app)
	d, b := newTestBrowser()
	n, err := nav.New(reg, "Login", b, fastNavConfig())
	require.NoError(t, err)
	ctx := context.Background()

	creds := view.Context{"user": "admin", "password": "smartvm"}
	dash, err := n.NavigateTo(ctx, "Dashboard", creds)
	require.NoError(t, err)
	require.Equal(t, "Dashboard", dash.Name())

	// Something outside the navigator moved the browser. The next detect
	// tears the session down and lands back on the entry view.
	app.page = "SomewhereElse"
	cur, err := n.DetectView(ctx)
	require.NoError(t, err)
	assert.Equal(t, "Login", cur.Name())
	assert.Equal(t, 2, d.ResetCalls, "initial open plus the reload each reset the session")
	assert.Zero(t, d.QuitCalls, "a reload must not kill the browser process")
	assert.Len(t, d.NavigatedURLs, 2)
}

func TestNavigateToUnregisteredView(t *testing.T) {
	app := &appState{}
	reg := linearApp(app)
	_, b := newTestBrowser()
	n, err := nav.New(reg, "Login", b, fastNavConfig())
	require.NoError(t, err)

	_, err = n.NavigateTo(context.Background(), "Ghost", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not registered")
}

func TestNavigatorStateRoundTrip(t *testing.T) {
	app := &appState{}
	reg := linearApp(app)
	_, b := newTestBrowser()
	n, err := nav.New(reg, "Login", b, fastNavConfig())
	require.NoError(t, err)

	assert.Nil(t, n.State.Get("logged_in"))
	n.State.Set("logged_in", true)
	assert.Equal(t, true, n.State.Get("logged_in"))
}

func TestDefaultContextMergesUnderCallArgs(t *testing.T) {
	app := &appState{}
	var seen view.Context
	login := view.NewDefinition("Login").
		OnView(app.onPage("Login")).
		OnLoad(func(context.Context, *view.View, view.Context) error {
			app.page = "Login"
			return nil
		}).
		Transition("login_user", view.TransitionSpec{
			Targets: []string{"Dashboard"},
			Params:  []string{"user", "password"},
			Method: func(_ context.Context, _ *view.View, nctx view.Context) error {
				seen = nctx
				app.page = "Dashboard"
				return nil
			},
		})
	dashboard := view.NewDefinition("Dashboard").OnView(app.onPage("Dashboard"))
	reg := nav.NewRegistry()
	require.NoError(t, reg.Register(login, dashboard))

	_, b := newTestBrowser()
	n, err := nav.New(reg, "Login", b, fastNavConfig(),
		nav.WithDefaultContext(view.Context{"user": "admin", "password": "smartvm", "noise": 42}))
	require.NoError(t, err)

	_, err = n.NavigateTo(context.Background(), "Dashboard", view.Context{"password": "override"})
	require.NoError(t, err)
	// Only declared params reach the method, with call args winning.
	assert.Equal(t, view.Context{"user": "admin", "password": "override"}, seen)
	assert.False(t, seen.Has("noise"))
}

func TestPathMissingLeavesCurrentViewIntact(t *testing.T) {
	app := &appState{}
	reg := linearApp(app)
	_, b := newTestBrowser()
	n, err := nav.New(reg, "Login", b, fastNavConfig())
	require.NoError(t, err)
	ctx := context.Background()

	cur, err := n.DetectView(ctx)
	require.NoError(t, err)

	// No params supplied, so the only edge out of Login is unusable.
	_, err = n.NavigateTo(ctx, "Dashboard", nil)
	var missing *nav.PathMissingError
	require.ErrorAs(t, err, &missing)
	assert.Same(t, cur, n.CurrentView())
}

func TestTransitionErrorPropagates(t *testing.T) {
	app := &appState{}
	boom := errors.New("click bounced")
	login := view.NewDefinition("Login").
		OnView(app.onPage("Login")).
		OnLoad(func(context.Context, *view.View, view.Context) error {
			app.page = "Login"
			return nil
		}).
		Transition("login_user", view.TransitionSpec{
			Targets: []string{"Dashboard"},
			Method: func(context.Context, *view.View, view.Context) error {
				return boom
			},
		})
	dashboard := view.NewDefinition("Dashboard").OnView(app.onPage("Dashboard"))
	reg := nav.NewRegistry()
	require.NoError(t, reg.Register(login, dashboard))

	_, b := newTestBrowser()
	n, err := nav.New(reg, "Login", b, fastNavConfig())
	require.NoError(t, err)

	_, err = n.NavigateTo(context.Background(), "Dashboard", nil)
	require.ErrorIs(t, err, boom)
}
