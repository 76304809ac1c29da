//go:build linux || freebsd || netbsd || openbsd

package capture

import (
	"fmt"

	"github.com/jezek/xgb"
	"github.com/jezek/xgb/xproto"
)

// maxClientWindows bounds the _NET_CLIENT_LIST read, in 32-bit units.
const maxClientWindows = 4096

// listWindows returns the mapped, titled top-level windows the window
// manager advertises through EWMH. Without an EWMH window manager the list
// is empty.
func listWindows() ([]Target, error) {
	conn, err := xgb.NewConn()
	if err != nil {
		return nil, fmt.Errorf("connect to X server: %w", err)
	}
	defer conn.Close()

	root := xproto.Setup(conn).DefaultScreen(conn).Root
	clientList, err := internAtom(conn, "_NET_CLIENT_LIST")
	if err != nil || clientList == xproto.AtomNone {
		return nil, err
	}
	netWMName, err := internAtom(conn, "_NET_WM_NAME")
	if err != nil {
		return nil, err
	}

	prop, err := xproto.GetProperty(conn, false, root, clientList, xproto.AtomWindow, 0, maxClientWindows).Reply()
	if err != nil {
		return nil, fmt.Errorf("read _NET_CLIENT_LIST: %w", err)
	}

	var out []Target
	for _, w := range windowIDs(prop.Format, prop.Value) {
		if t, ok := describeWindow(conn, root, w, netWMName); ok {
			out = append(out, t)
		}
	}
	return out, nil
}

func internAtom(conn *xgb.Conn, name string) (xproto.Atom, error) {
	r, err := xproto.InternAtom(conn, true, uint16(len(name)), name).Reply()
	if err != nil {
		return xproto.AtomNone, fmt.Errorf("intern %s: %w", name, err)
	}
	return r.Atom, nil
}

// windowIDs decodes a 32-bit format WINDOW list property.
func windowIDs(format byte, value []byte) []xproto.Window {
	if format != 32 {
		return nil
	}
	ids := make([]xproto.Window, 0, len(value)/4)
	for i := 0; i+4 <= len(value); i += 4 {
		ids = append(ids, xproto.Window(xgb.Get32(value[i:])))
	}
	return ids
}

// describeWindow resolves a window's title and root-relative rectangle.
// Unmapped, untitled or zero-sized windows are skipped.
func describeWindow(conn *xgb.Conn, root, w xproto.Window, netWMName xproto.Atom) (Target, bool) {
	attrs, err := xproto.GetWindowAttributes(conn, w).Reply()
	if err != nil || attrs.MapState != xproto.MapStateViewable {
		return Target{}, false
	}
	name := windowTitle(conn, w, netWMName)
	if name == "" {
		return Target{}, false
	}
	geom, err := xproto.GetGeometry(conn, xproto.Drawable(w)).Reply()
	if err != nil || geom.Width == 0 || geom.Height == 0 {
		return Target{}, false
	}
	pos, err := xproto.TranslateCoordinates(conn, w, root, 0, 0).Reply()
	if err != nil {
		return Target{}, false
	}
	return Target{
		Name:   name,
		X:      int(pos.DstX),
		Y:      int(pos.DstY),
		Width:  int(geom.Width),
		Height: int(geom.Height),
	}, true
}

// windowTitle prefers the UTF-8 _NET_WM_NAME and falls back to WM_NAME.
func windowTitle(conn *xgb.Conn, w xproto.Window, netWMName xproto.Atom) string {
	for _, atom := range []xproto.Atom{netWMName, xproto.AtomWmName} {
		if atom == xproto.AtomNone {
			continue
		}
		prop, err := xproto.GetProperty(conn, false, w, atom, xproto.GetPropertyTypeAny, 0, 256).Reply()
		if err == nil && prop.Format == 8 && len(prop.Value) > 0 {
			return string(prop.Value)
		}
	}
	return ""
}
