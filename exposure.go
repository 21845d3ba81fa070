// Copyright 2026 Refconn Authors
// Licensed under the LGPLv3, see LICENCE file for details.

package refconn

import (
	"reflect"
	"strings"

	"github.com/juju/collections/set"
)

// A Policy decides which operation names of an object are remotely
// reachable. The dispatcher consults it before every call, get and
// set; names outside the returned set fail with ErrAccessDenied and
// are never executed. The connection never decides what is exposed,
// it only enforces the policy it was given.
type Policy func(obj interface{}) set.Strings

// DefaultExposurePrefix is the naming convention honoured by the
// default policy: only methods and fields whose names start with it
// are remotely reachable.
const DefaultExposurePrefix = "Exposed"

// PrefixedExposure returns a policy admitting exported methods and
// struct fields whose names begin with prefix. It is the default
// security posture: remote reachability is opt-in per name, so peers
// cannot introspect arbitrary state.
func PrefixedExposure(prefix string) Policy {
	return func(obj interface{}) set.Strings {
		names := set.NewStrings()
		for _, name := range operationNames(obj) {
			if strings.HasPrefix(name, prefix) {
				names.Add(name)
			}
		}
		return names
	}
}

// ExposeAll returns a policy admitting every exported method and
// struct field. Only suitable for trusted links.
func ExposeAll() Policy {
	return func(obj interface{}) set.Strings {
		return set.NewStrings(operationNames(obj)...)
	}
}

// ExposeNames returns a policy admitting exactly the given names on
// every object.
func ExposeNames(names ...string) Policy {
	fixed := set.NewStrings(names...)
	return func(obj interface{}) set.Strings {
		return fixed
	}
}

// operationNames lists the exported methods and struct fields of obj.
func operationNames(obj interface{}) []string {
	var names []string
	t := reflect.TypeOf(obj)
	if t == nil {
		return nil
	}
	for i := 0; i < t.NumMethod(); i++ {
		names = append(names, t.Method(i).Name)
	}
	for t.Kind() == reflect.Ptr {
		t = t.Elem()
	}
	if t.Kind() == reflect.Struct {
		for i := 0; i < t.NumField(); i++ {
			f := t.Field(i)
			if f.PkgPath == "" {
				names = append(names, f.Name)
			}
		}
	}
	return names
}
