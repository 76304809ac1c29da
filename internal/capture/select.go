package capture

import "strings"

// MatchCaption reports whether name contains want, ignoring case.
func MatchCaption(want, name string) bool {
	return strings.Contains(strings.ToLower(name), strings.ToLower(want))
}

// SelectTarget picks the first target whose name matches selector. An empty
// selector, or one that matches nothing, selects the first full-screen
// target.
func SelectTarget(targets []Target, selector string) (Target, error) {
	if selector != "" {
		for _, t := range targets {
			if MatchCaption(selector, t.Name) {
				return t, nil
			}
		}
	}
	for _, t := range targets {
		if t.Screen {
			return t, nil
		}
	}
	return Target{}, ErrNoTargets
}
