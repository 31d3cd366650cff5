package turn

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"fmt"
	"time"

	"meshcall/internal/core/domain"
)

type Config struct {
	Enabled      bool
	URLs         []string
	SharedSecret string
	TTL          time.Duration
	// STUN and other static servers handed out alongside TURN.
	Static []domain.ICEServer
}

// CredentialIssuer mints time limited TURN credentials in the format of the
// TURN REST API understood by coturn's use-auth-secret mode: the username is
// "<expiry unix>:<user id>" and the password is base64(HMAC-SHA1(secret, username)).
type CredentialIssuer struct {
	cfg Config
	now func() time.Time
}

func NewCredentialIssuer(cfg Config) *CredentialIssuer {
	return &CredentialIssuer{cfg: cfg, now: time.Now}
}

func (i *CredentialIssuer) ICEServers(userID domain.UserID) []domain.ICEServer {
	servers := make([]domain.ICEServer, 0, len(i.cfg.Static)+1)
	servers = append(servers, i.cfg.Static...)
	if !i.cfg.Enabled || len(i.cfg.URLs) == 0 {
		return servers
	}

	username, credential := i.Credentials(userID)
	return append(servers, domain.ICEServer{
		URLs:       append([]string(nil), i.cfg.URLs...),
		Username:   username,
		Credential: credential,
	})
}

func (i *CredentialIssuer) Credentials(userID domain.UserID) (username, credential string) {
	expiry := i.now().Add(i.cfg.TTL).Unix()
	username = fmt.Sprintf("%d:%s", expiry, userID)
	return username, Sign(i.cfg.SharedSecret, username)
}

func Sign(secret, username string) string {
	mac := hmac.New(sha1.New, []byte(secret))
	mac.Write([]byte(username))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}
