package turn

import (
	"strconv"
	"strings"
	"testing"
	"time"

	"meshcall/internal/core/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCredentialIssuer_ICEServers(t *testing.T) {
	stun := domain.ICEServer{URLs: []string{"stun:stun.example.org:3478"}}
	issuer := NewCredentialIssuer(Config{
		Enabled:      true,
		URLs:         []string{"turn:turn.example.org:3478?transport=udp"},
		SharedSecret: "s3cret",
		TTL:          time.Hour,
		Static:       []domain.ICEServer{stun},
	})
	now := time.Unix(1_700_000_000, 0)
	issuer.now = func() time.Time { return now }

	servers := issuer.ICEServers("alice")
	require.Len(t, servers, 2)
	assert.Equal(t, stun, servers[0])

	turn := servers[1]
	parts := strings.SplitN(turn.Username, ":", 2)
	require.Len(t, parts, 2)
	expiry, err := strconv.ParseInt(parts[0], 10, 64)
	require.NoError(t, err)
	assert.Equal(t, now.Add(time.Hour).Unix(), expiry)
	assert.Equal(t, "alice", parts[1])
	assert.Equal(t, Sign("s3cret", turn.Username), turn.Credential)
}

func TestCredentialIssuer_Disabled(t *testing.T) {
	issuer := NewCredentialIssuer(Config{
		URLs:   []string{"turn:turn.example.org"},
		Static: []domain.ICEServer{{URLs: []string{"stun:stun.example.org"}}},
	})
	servers := issuer.ICEServers("bob")
	require.Len(t, servers, 1)
	assert.Empty(t, servers[0].Credential)
}

func TestSign(t *testing.T) {
	got := Sign("s3cret", "1700003600:alice")
	// 20 byte digest
	assert.Len(t, got, 28)
	assert.Equal(t, got, Sign("s3cret", "1700003600:alice"))
	assert.NotEqual(t, got, Sign("other", "1700003600:alice"))
}
