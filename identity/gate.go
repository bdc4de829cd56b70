package identity

import (
	"github.com/metagate-io/metagate/errors"
	"github.com/metagate-io/metagate/refstore"
)

// AllowedComponents extracts the component allow-list from a profile's
// capability set. A missing or malformed list yields nil, which the gate
// treats as "no components permitted".
func AllowedComponents(profile *refstore.Profile) []string {
	raw, ok := profile.Capabilities["allowed_components"]
	if !ok {
		return nil
	}
	list, ok := raw.([]any)
	if !ok {
		return nil
	}
	var components []string
	for _, item := range list {
		if s, ok := item.(string); ok {
			components = append(components, s)
		}
	}
	return components
}

// CheckComponent decides whether the requested component key is permitted
// under the profile. The allow-list is explicit: an empty or absent list
// permits nothing. Denial carries no packet detail.
func CheckComponent(profile *refstore.Profile, componentKey string) error {
	for _, allowed := range AllowedComponents(profile) {
		if allowed == componentKey {
			return nil
		}
	}
	return errors.Wrapf(errors.ErrComponentNotPermitted,
		"component %q is not in the allow-list of profile %q", componentKey, profile.ProfileKey)
}
