package view

import (
	"context"
	"fmt"
	"sort"

	version "github.com/hashicorp/go-version"
)

// VersionPick maps minimum product versions to widget constructors. When a
// view spans several product releases whose markup differs, declare each
// variant under the lowest version it applies to; at runtime the newest
// variant not exceeding the product version wins.
type VersionPick struct {
	variants map[string]Constructor
}

// PickByVersion declares a version-dependent widget.
func PickByVersion(variants map[string]Constructor) Constructor {
	vp := VersionPick{variants: variants}
	return func(parent *View) Widget {
		return &versionPickedWidget{view: parent, pick: vp}
	}
}

// Pick resolves the constructor for a concrete product version, or nil when
// every declared variant is newer.
func (vp VersionPick) Pick(product *version.Version) (Constructor, error) {
	type entry struct {
		ver  *version.Version
		ctor Constructor
	}
	entries := make([]entry, 0, len(vp.variants))
	for raw, ctor := range vp.variants {
		v, err := version.NewVersion(raw)
		if err != nil {
			return nil, fmt.Errorf("invalid version key %q: %w", raw, err)
		}
		entries = append(entries, entry{ver: v, ctor: ctor})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].ver.GreaterThan(entries[j].ver) })
	for _, e := range entries {
		if e.ver.LessThanOrEqual(product) {
			return e.ctor, nil
		}
	}
	return nil, nil
}

// versionPickedWidget defers variant resolution to first use and caches the
// chosen widget afterwards.
type versionPickedWidget struct {
	view     *View
	pick     VersionPick
	resolved Widget
}

func (w *versionPickedWidget) ParentView() *View { return w.view }

func (w *versionPickedWidget) resolve(ctx context.Context) (Widget, error) {
	if w.resolved != nil {
		return w.resolved, nil
	}
	product, err := w.view.Browser().ProductVersion(ctx)
	if err != nil {
		return nil, err
	}
	ctor, err := w.pick.Pick(product)
	if err != nil {
		return nil, err
	}
	if ctor == nil {
		return nil, fmt.Errorf("no widget variant matches product version %s", product)
	}
	w.resolved = ctor(w.view)
	return w.resolved, nil
}

func (w *versionPickedWidget) IsDisplayed(ctx context.Context) (bool, error) {
	inner, err := w.resolve(ctx)
	if err != nil {
		return false, err
	}
	return inner.IsDisplayed(ctx)
}

func (w *versionPickedWidget) Fill(ctx context.Context, value any) (bool, error) {
	inner, err := w.resolve(ctx)
	if err != nil {
		return false, err
	}
	fillable, ok := inner.(Fillable)
	if !ok {
		return false, fmt.Errorf("picked widget variant does not implement fill")
	}
	return fillable.Fill(ctx, value)
}

func (w *versionPickedWidget) Read(ctx context.Context) (any, error) {
	inner, err := w.resolve(ctx)
	if err != nil {
		return nil, err
	}
	readable, ok := inner.(Readable)
	if !ok {
		return nil, fmt.Errorf("picked widget variant does not implement read")
	}
	return readable.Read(ctx)
}
