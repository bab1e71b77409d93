// Package naming implements the client-side resolution cache: partitioned
// service descriptors, resolved partition locations, single-flight fetch from
// the naming gateway and version-ordered invalidation.
package naming

import (
	"fmt"
	"strings"

	"github.com/sharedcode/fabric"
)

// ServiceName is a service URI with an optional member fragment, e.g.
// "fabric:/app/svc#member". The name without the fragment keys the cache;
// the fragment selects a service group member.
type ServiceName struct {
	name   string
	member string
}

// ParseServiceName validates and splits a service URI.
func ParseServiceName(uri string) (ServiceName, error) {
	if uri == "" {
		return ServiceName{}, fabric.NewError(fabric.InvalidNameURI, fmt.Errorf("empty service name"))
	}
	name, member, _ := strings.Cut(uri, "#")
	if !strings.Contains(name, ":/") {
		return ServiceName{}, fabric.NewError(fabric.InvalidNameURI, fmt.Errorf("service name %q is not a URI", uri))
	}
	if strings.Contains(member, "#") {
		return ServiceName{}, fabric.NewError(fabric.InvalidNameURI, fmt.Errorf("service name %q has more than one fragment", uri))
	}
	return ServiceName{name: name, member: member}, nil
}

// WithoutMembers returns the URI with the member fragment stripped. This is
// the cache key.
func (n ServiceName) WithoutMembers() string {
	return n.name
}

// Member returns the member fragment, empty when none.
func (n ServiceName) Member() string {
	return n.member
}

// HasMember reports whether the URI carried a member fragment.
func (n ServiceName) HasMember() bool {
	return n.member != ""
}

// String reassembles the full URI.
func (n ServiceName) String() string {
	if n.member == "" {
		return n.name
	}
	return n.name + "#" + n.member
}
