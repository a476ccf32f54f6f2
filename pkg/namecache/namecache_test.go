package namecache

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/terminal-bench/notarium/pkg/items"
)

func TestLockNamesAllOrNothing(t *testing.T) {
	c := New(time.Minute, 0)
	defer c.Shutdown()

	first := items.HashIDOf([]byte("first"))
	second := items.HashIDOf([]byte("second"))

	require.Empty(t, c.LockNames([]string{"alice", "bob"}, first))

	// one conflict fails the whole set, the free key stays unclaimed
	conflicts := c.LockNames([]string{"bob", "carol"}, second)
	assert.Equal(t, []string{"bob"}, conflicts)
	assert.Empty(t, c.LockNames([]string{"carol"}, second))
}

func TestSameHolderRefreshesClaim(t *testing.T) {
	c := New(time.Minute, 0)
	defer c.Shutdown()

	holder := items.HashIDOf([]byte("holder"))
	require.Empty(t, c.LockNames([]string{"alice"}, holder))
	assert.Empty(t, c.LockNames([]string{"alice"}, holder))
	assert.Equal(t, 1, c.Size())
}

func TestNamespacesDoNotCollide(t *testing.T) {
	c := New(time.Minute, 0)
	defer c.Shutdown()

	a := items.HashIDOf([]byte("a"))
	b := items.HashIDOf([]byte("b"))

	require.Empty(t, c.LockNames([]string{"key"}, a))
	assert.Empty(t, c.LockAddresses([]string{"key"}, b))
	assert.Equal(t, 2, c.Size())
}

func TestUnlockOnlyReleasesOwnClaims(t *testing.T) {
	c := New(time.Minute, 0)
	defer c.Shutdown()

	owner := items.HashIDOf([]byte("owner"))
	other := items.HashIDOf([]byte("other"))

	require.Empty(t, c.LockNames([]string{"alice"}, owner))
	c.UnlockNames([]string{"alice"}, other)
	assert.Equal(t, 1, c.Size())

	c.UnlockNames([]string{"alice"}, owner)
	assert.Equal(t, 0, c.Size())
	assert.Empty(t, c.LockNames([]string{"alice"}, other))
}

func TestExpiredClaimsAreClaimable(t *testing.T) {
	c := New(10*time.Millisecond, 0)
	defer c.Shutdown()

	first := items.HashIDOf([]byte("first"))
	second := items.HashIDOf([]byte("second"))

	require.Empty(t, c.LockNames([]string{"alice"}, first))
	time.Sleep(20 * time.Millisecond)

	assert.Empty(t, c.LockNames([]string{"alice"}, second))
}

func TestCleanUpPurgesStaleEntries(t *testing.T) {
	c := New(10*time.Millisecond, 0)
	defer c.Shutdown()

	holder := items.HashIDOf([]byte("holder"))
	origin := items.HashIDOf([]byte("origin"))
	require.Empty(t, c.LockNames([]string{"alice"}, holder))
	require.Empty(t, c.LockOrigins([]items.HashID{origin}, holder))
	require.Equal(t, 2, c.Size())

	time.Sleep(20 * time.Millisecond)
	c.CleanUp()
	assert.Equal(t, 0, c.Size())
}
