// SPDX-FileCopyrightText: (c) 2024 The rcs-collector authors
// SPDX-License-Identifier: AGPL-3.0-only

package registry

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/azera85/rcs-collector/nc/envelope"
)

func testElement(id, instance string, next ...string) *Element {
	return &Element{
		ID:       id,
		Name:     "name-" + id,
		Kind:     Anonymizer,
		Cookie:   "cookie-" + id,
		Key:      make([]byte, envelope.KeySize),
		Address:  "10.0.0." + id,
		Port:     4444,
		Instance: instance,
		Next:     next,
	}
}

func TestCookieValue(t *testing.T) {
	require := require.New(t)

	require.Equal("abc", CookieValue("ID=abc"))
	require.Equal("abc", CookieValue("SESSION=x; ID=abc"))
	require.Equal("abc", CookieValue("abc"))
	require.Equal("", CookieValue("ID="))
}

func TestBindByCookie(t *testing.T) {
	require := require.New(t)

	anon := testElement("1", "local")
	injector := &Element{
		ID:     "7",
		Name:   "inj",
		Kind:   Injector,
		Cookie: "inj-cookie",
		Key:    make([]byte, envelope.KeySize),
	}
	// An injector sharing an anonymizer's cookie must lose the lookup.
	shadow := &Element{
		ID:     "8",
		Name:   "shadow",
		Kind:   Injector,
		Cookie: anon.Cookie,
		Key:    make([]byte, envelope.KeySize),
	}

	r, err := New([]*Element{anon}, []*Element{injector, shadow}, "local")
	require.NoError(err)

	e, err := r.BindByCookie("ID=" + anon.Cookie)
	require.NoError(err)
	require.Equal(anon, e)

	e, err = r.BindByCookie("ID=" + injector.Cookie)
	require.NoError(err)
	require.Equal(injector, e)

	_, err = r.BindByCookie("ID=unknown")
	require.ErrorIs(err, ErrInvalidCookie)
}

func TestFindByID(t *testing.T) {
	require := require.New(t)

	anon := testElement("1", "local")
	r, err := New([]*Element{anon}, nil, "local")
	require.NoError(err)

	e, err := r.FindByID("1")
	require.NoError(err)
	require.Equal(anon, e)

	_, err = r.FindByID("42")
	require.ErrorIs(err, ErrUnknownAnon)
}

func TestChainBuild(t *testing.T) {
	require := require.New(t)

	self := testElement("1", "local", "2")
	h1 := testElement("2", "other", "3")
	h2 := testElement("3", "other")

	r, err := New([]*Element{h2, self, h1}, nil, "local")
	require.NoError(err)

	chain := r.Chain()
	require.Len(chain, 3)
	require.Equal(self, chain[0], "chain[0] is always self")
	require.Equal(h1, chain[1])
	require.Equal(h2, chain[2])
}

func TestChainStopsAtMissingSuccessor(t *testing.T) {
	require := require.New(t)

	self := testElement("1", "local", "nonexistent")
	r, err := New([]*Element{self, testElement("2", "other")}, nil, "local")
	require.NoError(err)
	require.Len(r.Chain(), 1)
}

func TestChainCycleCapped(t *testing.T) {
	require := require.New(t)

	self := testElement("1", "local", "2")
	h1 := testElement("2", "other", "1")

	r, err := New([]*Element{self, h1}, nil, "local")
	require.NoError(err)
	require.Len(r.Chain(), 2, "cyclic successor links must not extend past the element count")
}

func TestNoLocalElement(t *testing.T) {
	require := require.New(t)

	_, err := New([]*Element{testElement("1", "other")}, nil, "local")
	require.ErrorIs(err, ErrNoLocalElement)

	// An empty anonymizer set yields an empty chain, not an error.
	r, err := New(nil, nil, "local")
	require.NoError(err)
	require.Empty(r.Chain())
}

func TestForwardingChain(t *testing.T) {
	require := require.New(t)

	elements := make([]*Element, 4)
	for i := range elements {
		instance := "other"
		if i == 0 {
			instance = "local"
		}
		var next []string
		if i < 3 {
			next = []string{fmt.Sprint(i + 2)}
		}
		elements[i] = testElement(fmt.Sprint(i+1), instance, next...)
	}

	r, err := New(elements, nil, "local")
	require.NoError(err)
	chain := r.Chain()
	require.Len(chain, 4)

	// Prefix law: forwarding chain of a member is everything before it.
	for i, target := range chain {
		prefix := r.ForwardingChain(target)
		require.Equal(chain[:i], prefix)
	}

	// Off-chain targets get the whole chain.
	off := testElement("99", "other")
	require.Equal(chain, r.ForwardingChain(off))

	// The self-only case yields an empty forwarding chain.
	require.Empty(r.ForwardingChain(chain[0]))
}

func TestDisplayName(t *testing.T) {
	require := require.New(t)

	anon := testElement("1", "local")
	anon.Name = "alpha"
	require.Equal("RCS::ANON::alpha", anon.DisplayName())
	require.Equal("anonymizer", anon.KindTag())

	inj := &Element{Name: "beta", Kind: Injector}
	require.Equal("RCS::NI::beta", inj.DisplayName())
	require.Equal("injector", inj.KindTag())
}

func TestInvalidKeySize(t *testing.T) {
	require := require.New(t)

	bad := testElement("1", "local")
	bad.Key = []byte("short")
	_, err := New([]*Element{bad}, nil, "local")
	require.ErrorIs(err, ErrInvalidKey)
}
