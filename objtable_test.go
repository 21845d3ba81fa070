// Copyright 2026 Refconn Authors
// Licensed under the LGPLv3, see LICENCE file for details.

package refconn

import (
	"github.com/juju/collections/set"
	"github.com/juju/errors"
	jc "github.com/juju/testing/checkers"
	gc "gopkg.in/check.v1"
)

type objtableSuite struct{}

var _ = gc.Suite(&objtableSuite{})

type owned struct {
	label string
}

func (s *objtableSuite) TestExposeLookup(c *gc.C) {
	t := newObjectTable()
	obj := &owned{label: "a"}
	h := t.expose(obj, set.NewStrings("ExposedA"))
	c.Assert(h, gc.Not(gc.Equals), uint64(0))

	e, err := t.lookup(h)
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(e.value, gc.Equals, obj)
	c.Assert(e.names.Contains("ExposedA"), jc.IsTrue)
	c.Assert(e.refs, gc.Equals, 1)
}

func (s *objtableSuite) TestExposeReusesPointerEntries(c *gc.C) {
	t := newObjectTable()
	obj := &owned{}
	h1 := t.expose(obj, set.NewStrings())
	h2 := t.expose(obj, set.NewStrings())
	c.Assert(h2, gc.Equals, h1)
	c.Assert(t.refs(h1), gc.Equals, 2)
	c.Assert(t.size(), gc.Equals, 1)
}

func (s *objtableSuite) TestExposeDistinctObjects(c *gc.C) {
	t := newObjectTable()
	h1 := t.expose(&owned{}, set.NewStrings())
	h2 := t.expose(&owned{}, set.NewStrings())
	c.Assert(h1, gc.Not(gc.Equals), h2)
	c.Assert(t.size(), gc.Equals, 2)
}

func (s *objtableSuite) TestDecrefToZeroRemovesEntry(c *gc.C) {
	t := newObjectTable()
	obj := &owned{}
	h := t.expose(obj, set.NewStrings())
	t.expose(obj, set.NewStrings())
	t.expose(obj, set.NewStrings())
	c.Assert(t.refs(h), gc.Equals, 3)

	c.Assert(t.decref(h, 2), jc.ErrorIsNil)
	c.Assert(t.refs(h), gc.Equals, 1)
	c.Assert(t.decref(h, 1), jc.ErrorIsNil)
	c.Assert(t.size(), gc.Equals, 0)

	// The entry is gone: a further decref is a protocol error,
	// never a double release.
	err := t.decref(h, 1)
	c.Assert(errors.Is(err, ErrInvalidHandle), jc.IsTrue, gc.Commentf("%v", err))
}

func (s *objtableSuite) TestDecrefRemovedEntryAllowsReexpose(c *gc.C) {
	t := newObjectTable()
	obj := &owned{}
	h1 := t.expose(obj, set.NewStrings())
	c.Assert(t.decref(h1, 1), jc.ErrorIsNil)

	// Handles are never reused while pending; a fresh exposure gets
	// a fresh handle.
	h2 := t.expose(obj, set.NewStrings())
	c.Assert(h2, gc.Not(gc.Equals), h1)
}

func (s *objtableSuite) TestLookupUnknownHandle(c *gc.C) {
	t := newObjectTable()
	_, err := t.lookup(42)
	c.Assert(errors.Is(err, ErrInvalidHandle), jc.IsTrue, gc.Commentf("%v", err))
}

func (s *objtableSuite) TestDecrefInvalidCount(c *gc.C) {
	t := newObjectTable()
	h := t.expose(&owned{}, set.NewStrings())
	err := t.decref(h, 0)
	c.Assert(errors.Is(err, ErrProtocolViolation), jc.IsTrue, gc.Commentf("%v", err))
}

func (s *objtableSuite) TestReleaseAll(c *gc.C) {
	t := newObjectTable()
	t.expose(&owned{}, set.NewStrings())
	t.expose(&owned{}, set.NewStrings())
	c.Assert(t.size(), gc.Equals, 2)
	t.releaseAll()
	c.Assert(t.size(), gc.Equals, 0)
}

func (s *objtableSuite) TestValuesWithoutIdentityGetFreshEntries(c *gc.C) {
	t := newObjectTable()
	v := map[string]string{"k": "v"}
	h1 := t.expose(v, set.NewStrings())
	h2 := t.expose(v, set.NewStrings())
	c.Assert(h1, gc.Not(gc.Equals), h2)
}
