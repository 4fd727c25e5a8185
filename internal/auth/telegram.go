package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"
)

var (
	ErrInitDataMissing   = errors.New("init data is empty")
	ErrInitDataHash      = errors.New("init data hash mismatch")
	ErrInitDataExpired   = errors.New("init data is too old")
	ErrInitDataMalformed = errors.New("init data is malformed")
)

// TelegramUser is the user object embedded in WebApp init data.
type TelegramUser struct {
	ID        int64  `json:"id"`
	Username  string `json:"username"`
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
}

// ValidateInitData checks the hash Telegram attaches to WebApp init data and
// returns the user it describes. The secret key is HMAC-SHA256 of the bot
// token keyed with "WebAppData".
func ValidateInitData(initData, botToken string, maxAge time.Duration, now time.Time) (TelegramUser, error) {
	if strings.TrimSpace(initData) == "" {
		return TelegramUser{}, ErrInitDataMissing
	}
	values, err := url.ParseQuery(initData)
	if err != nil {
		return TelegramUser{}, ErrInitDataMalformed
	}
	got := values.Get("hash")
	if got == "" {
		return TelegramUser{}, ErrInitDataMalformed
	}
	want := initDataHash(values, botToken)
	if !hmac.Equal([]byte(strings.ToLower(got)), []byte(want)) {
		return TelegramUser{}, ErrInitDataHash
	}

	authDate, err := strconv.ParseInt(values.Get("auth_date"), 10, 64)
	if err != nil {
		return TelegramUser{}, ErrInitDataMalformed
	}
	if maxAge > 0 && now.Sub(time.Unix(authDate, 0)) > maxAge {
		return TelegramUser{}, ErrInitDataExpired
	}

	var u TelegramUser
	if err := json.Unmarshal([]byte(values.Get("user")), &u); err != nil || u.ID == 0 {
		return TelegramUser{}, ErrInitDataMalformed
	}
	return u, nil
}

func initDataHash(values url.Values, botToken string) string {
	keys := make([]string, 0, len(values))
	for k := range values {
		if k != "hash" {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	lines := make([]string, len(keys))
	for i, k := range keys {
		lines[i] = k + "=" + values.Get(k)
	}

	secret := hmac.New(sha256.New, []byte("WebAppData"))
	secret.Write([]byte(botToken))
	mac := hmac.New(sha256.New, secret.Sum(nil))
	mac.Write([]byte(strings.Join(lines, "\n")))
	return hex.EncodeToString(mac.Sum(nil))
}
