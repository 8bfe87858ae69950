package crdt

import (
	"fmt"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/require"
)

// exchange brings b up to date with a using the state-vector handshake.
func exchange(t *testing.T, a, b *Document) {
	t.Helper()
	diff, err := a.EncodeStateAsUpdate(b.EncodeStateVector())
	require.NoError(t, err)
	require.NoError(t, b.ApplyUpdate(diff, "peer"))
}

func TestInsertAndDeleteLocal(t *testing.T) {
	d := New(WithClientID(1))
	d.Insert(0, "hello")
	d.Insert(5, " world")
	d.Insert(0, ">> ")
	require.Equal(t, ">> hello world", d.Text())

	d.Delete(0, 3)
	require.Equal(t, "hello world", d.Text())

	d.Delete(4, 3)
	require.Equal(t, "hellorld", d.Text())
	require.Equal(t, 8, d.Len())

	d.Insert(100, "!")
	require.Equal(t, "hellorld!", d.Text())

	require.Nil(t, d.Delete(0, 0))
	require.Nil(t, d.Insert(0, ""))
}

func TestUnicodeContent(t *testing.T) {
	a := New(WithClientID(1))
	b := New(WithClientID(2))
	a.Insert(0, "héllo wörld ✓")
	exchange(t, a, b)
	b.Insert(1, "😀")
	exchange(t, b, a)
	require.Equal(t, "h😀éllo wörld ✓", a.Text())
	require.Equal(t, a.Text(), b.Text())
}

func TestScenarioHiThere(t *testing.T) {
	server := New(WithClientID(100))
	a := New(WithClientID(1))
	b := New(WithClientID(2))

	require.NoError(t, server.ApplyUpdate(a.Insert(0, "hi"), "a"))

	full, err := server.EncodeStateAsUpdate(nil)
	require.NoError(t, err)
	require.NoError(t, b.ApplyUpdate(full, "server"))
	require.Equal(t, "hi", b.Text())

	upd := b.Insert(b.Len(), " there")
	require.NoError(t, server.ApplyUpdate(upd, "b"))
	require.NoError(t, a.ApplyUpdate(upd, "server"))
	require.Equal(t, "hi there", a.Text())
	require.Equal(t, "hi there", server.Text())
}

func TestConcurrentInsertSamePositionTieBreak(t *testing.T) {
	base := New(WithClientID(10))
	base.Insert(0, "ab")

	left := New(WithClientID(3))
	right := New(WithClientID(7))
	exchange(t, base, left)
	exchange(t, base, right)

	u1 := left.Insert(1, "X")
	u2 := right.Insert(1, "Y")

	require.NoError(t, left.ApplyUpdate(u2, nil))
	require.NoError(t, right.ApplyUpdate(u1, nil))

	// Lower replica ID lands first.
	require.Equal(t, "aXYb", left.Text())
	require.Equal(t, "aXYb", right.Text())
}

func TestConcurrentInsertAtHead(t *testing.T) {
	a := New(WithClientID(5))
	b := New(WithClientID(2))
	ua := a.Insert(0, "aaa")
	ub := b.Insert(0, "bbb")
	require.NoError(t, a.ApplyUpdate(ub, nil))
	require.NoError(t, b.ApplyUpdate(ua, nil))
	require.Equal(t, "bbbaaa", a.Text())
	require.Equal(t, a.Text(), b.Text())
}

func TestIdempotentApply(t *testing.T) {
	src := New(WithClientID(1))
	var updates [][]byte
	updates = append(updates, src.Insert(0, "abcdef"))
	updates = append(updates, src.Delete(2, 2))
	updates = append(updates, src.Insert(1, "zz"))

	once := New(WithClientID(9))
	twice := New(WithClientID(9))
	for _, u := range updates {
		require.NoError(t, once.ApplyUpdate(u, nil))
		require.NoError(t, twice.ApplyUpdate(u, nil))
		require.NoError(t, twice.ApplyUpdate(u, nil))
	}
	require.Equal(t, once.Text(), twice.Text())
	require.Equal(t, once.StateVector(), twice.StateVector())
	require.Equal(t, src.Text(), once.Text())
}

func TestUpdateHandlerOnlyFiresOnChange(t *testing.T) {
	src := New(WithClientID(1))
	u := src.Insert(0, "abc")

	dst := New(WithClientID(2))
	var seen []any
	unsubscribe := dst.OnUpdate(func(update []byte, origin any) {
		require.Equal(t, u, update)
		seen = append(seen, origin)
	})

	require.NoError(t, dst.ApplyUpdate(u, "first"))
	require.NoError(t, dst.ApplyUpdate(u, "second"))
	require.Equal(t, []any{"first"}, seen)

	unsubscribe()
	require.NoError(t, dst.ApplyUpdate(src.Insert(3, "d"), "third"))
	require.Len(t, seen, 1)
}

func TestLocalEditsNotifyWithNilOrigin(t *testing.T) {
	d := New(WithClientID(1))
	var origins []any
	d.OnUpdate(func(_ []byte, origin any) { origins = append(origins, origin) })
	d.Insert(0, "x")
	d.Delete(0, 1)
	require.Equal(t, []any{nil, nil}, origins)
}

func TestOutOfOrderDeliveryIsHeldBack(t *testing.T) {
	src := New(WithClientID(1))
	u1 := src.Insert(0, "hello")
	u2 := src.Insert(5, " world")
	u3 := src.Delete(0, 1)

	dst := New(WithClientID(2))
	require.NoError(t, dst.ApplyUpdate(u3, nil))
	require.NoError(t, dst.ApplyUpdate(u2, nil))
	require.Equal(t, "", dst.Text())
	stats := dst.Stats()
	require.Equal(t, 1, stats.PendingRecords)
	require.EqualValues(t, 1, stats.PendingDeletes)

	require.NoError(t, dst.ApplyUpdate(u1, nil))
	require.Equal(t, "ello world", dst.Text())
	stats = dst.Stats()
	require.Zero(t, stats.PendingRecords)
	require.Zero(t, stats.PendingDeletes)
}

func TestStateVectorDiffOnlyCarriesMissing(t *testing.T) {
	a := New(WithClientID(1))
	b := New(WithClientID(2))
	a.Insert(0, "abc")
	exchange(t, a, b)

	a.Insert(3, "def")
	diff, err := a.EncodeStateAsUpdate(b.EncodeStateVector())
	require.NoError(t, err)
	full, err := a.EncodeStateAsUpdate(nil)
	require.NoError(t, err)
	require.Less(t, len(diff), len(full))

	require.NoError(t, b.ApplyUpdate(diff, nil))
	require.Equal(t, "abcdef", b.Text())
	require.Equal(t, a.StateVector(), b.StateVector())
}

func TestPartialOverlapIsTrimmed(t *testing.T) {
	a := New(WithClientID(1))
	b := New(WithClientID(2))
	a.Insert(0, "abc")
	a.Compact()
	exchange(t, a, b)

	a.Insert(3, "def")
	require.Equal(t, 1, a.Compact())

	full, err := a.EncodeStateAsUpdate(nil)
	require.NoError(t, err)
	require.NoError(t, b.ApplyUpdate(full, nil))
	require.Equal(t, "abcdef", b.Text())
	require.EqualValues(t, 6, b.StateVector()[1])
}

func TestCompactionKeepsDocumentSyncable(t *testing.T) {
	a := New(WithClientID(1))
	b := New(WithClientID(2))
	for i, ch := range "typing one character at a time" {
		a.Insert(i, string(ch))
	}
	a.Delete(0, 7)
	exchange(t, a, b)

	before := a.Stats()
	removed := a.Compact()
	after := a.Stats()
	require.Positive(t, removed)
	require.Less(t, after.Items, before.Items)
	require.Equal(t, before.Length, after.Length)
	require.Equal(t, "one character at a time", a.Text())

	// Edits against split points inside merged runs still resolve.
	ub := b.Insert(3, "_")
	require.NoError(t, a.ApplyUpdate(ub, nil))
	ua := a.Insert(10, "#")
	require.NoError(t, b.ApplyUpdate(ua, nil))
	require.Equal(t, a.Text(), b.Text())

	fresh := New(WithClientID(3))
	exchange(t, a, fresh)
	require.Equal(t, a.Text(), fresh.Text())
}

func TestMalformedUpdateIsRejectedWhole(t *testing.T) {
	d := New(WithClientID(1))
	d.Insert(0, "keep")

	good := New(WithClientID(2)).Insert(0, "zzz")
	for _, bad := range [][]byte{
		{},
		{0xff},
		good[:len(good)-2],
		append(append([]byte{}, good...), 7),
	} {
		err := d.ApplyUpdate(bad, nil)
		require.ErrorIs(t, err, ErrMalformedUpdate)
	}
	require.Equal(t, "keep", d.Text())
}

func TestDecodeStateVector(t *testing.T) {
	sv, err := DecodeStateVector(nil)
	require.NoError(t, err)
	require.Empty(t, sv)

	in := StateVector{1: 4, 99: 12}
	out, err := DecodeStateVector(in.Encode())
	require.NoError(t, err)
	require.Equal(t, in, out)

	_, err = DecodeStateVector([]byte{2, 1})
	require.ErrorIs(t, err, ErrMalformedUpdate)
}

func TestDestroy(t *testing.T) {
	d := New(WithClientID(1))
	d.Insert(0, "gone")
	d.Destroy()
	require.Equal(t, "", d.Text())
	require.ErrorIs(t, d.ApplyUpdate(New(WithClientID(2)).Insert(0, "x"), nil), ErrDestroyed)
	_, err := d.EncodeStateAsUpdate(nil)
	require.ErrorIs(t, err, ErrDestroyed)
	require.Nil(t, d.Insert(0, "x"))
}

type replica struct {
	doc     *Document
	updates [][]byte
}

func randomEdit(rng *rand.Rand, r *replica) {
	n := r.doc.Len()
	if n > 0 && rng.Intn(3) == 0 {
		at := rng.Intn(n)
		if u := r.doc.Delete(at, 1+rng.Intn(min(3, n-at))); u != nil {
			r.updates = append(r.updates, u)
		}
		return
	}
	text := string(rune('a' + rng.Intn(26)))
	if rng.Intn(4) == 0 {
		text += string(rune('A' + rng.Intn(26)))
	}
	r.updates = append(r.updates, r.doc.Insert(rng.Intn(n+1), text))
}

func TestConvergenceUnderPermutations(t *testing.T) {
	for seed := int64(1); seed <= 25; seed++ {
		t.Run(fmt.Sprintf("seed-%d", seed), func(t *testing.T) {
			rng := rand.New(rand.NewSource(seed))
			replicas := make([]*replica, 4)
			for i := range replicas {
				replicas[i] = &replica{doc: New(WithClientID(uint64(i + 1)))}
			}

			// Rounds of independent edits with partial, lossy gossip between
			// rounds so edits reference concurrent state.
			for round := 0; round < 6; round++ {
				for _, r := range replicas {
					for k := rng.Intn(4); k >= 0; k-- {
						randomEdit(rng, r)
					}
				}
				from := replicas[rng.Intn(len(replicas))]
				to := replicas[rng.Intn(len(replicas))]
				if from != to {
					for _, u := range from.updates {
						if rng.Intn(2) == 0 {
							require.NoError(t, to.doc.ApplyUpdate(u, nil))
						}
					}
				}
				if rng.Intn(3) == 0 {
					replicas[rng.Intn(len(replicas))].doc.Compact()
				}
			}

			var all [][]byte
			for _, r := range replicas {
				all = append(all, r.updates...)
			}

			var texts []string
			for p := 0; p < 5; p++ {
				order := rng.Perm(len(all))
				fresh := New(WithClientID(1000))
				for _, i := range order {
					require.NoError(t, fresh.ApplyUpdate(all[i], nil))
					if rng.Intn(5) == 0 {
						require.NoError(t, fresh.ApplyUpdate(all[i], nil))
					}
				}
				require.Zero(t, fresh.Stats().PendingRecords)
				texts = append(texts, fresh.Text())
			}
			for _, r := range replicas {
				for _, i := range rng.Perm(len(all)) {
					require.NoError(t, r.doc.ApplyUpdate(all[i], nil))
				}
				texts = append(texts, r.doc.Text())
			}
			for _, text := range texts[1:] {
				require.Equal(t, texts[0], text)
			}

			// A state-vector handshake from any replica reproduces the text.
			fresh := New(WithClientID(2000))
			exchange(t, replicas[0].doc, fresh)
			require.Equal(t, texts[0], fresh.Text())
		})
	}
}
