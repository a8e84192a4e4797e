// Package publication delivers approved items to their destinations.
package publication

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/robopost/platform/pkg/content"
)

var (
	ErrUnsupportedPlatform = errors.New("platform has no delivery implementation")
	ErrBadCredentials      = errors.New("destination credentials are incomplete")
)

// Target is where and how a destination is delivered to. The variants are
// fixed: every platform with a delivery path has exactly one, carrying its
// own credential shape. Adding a platform means adding a variant here and a
// case to PlatformDeliverer.Deliver.
type Target interface {
	Platform() content.Platform
	isTarget()
}

type TelegramTarget struct {
	BotToken string
	// ChannelID is a numeric chat id or an @channel username.
	ChannelID string
}

func (TelegramTarget) Platform() content.Platform { return content.PlatformTelegram }
func (TelegramTarget) isTarget()                  {}

// WordPressTarget authenticates with an application password unless
// ClientID is set, in which case OAuth2 client credentials are used.
type WordPressTarget struct {
	SiteURL             string
	Username            string
	ApplicationPassword string
	ClientID            string
	ClientSecret        string
	TokenURL            string
}

func (WordPressTarget) Platform() content.Platform { return content.PlatformWordPress }
func (WordPressTarget) isTarget()                  {}

func (t WordPressTarget) usesOAuth() bool { return t.ClientID != "" }

// ParseTarget builds the variant for platform from a destination's stored
// credential bundle.
func ParseTarget(platform content.Platform, credentials map[string]interface{}) (Target, error) {
	switch platform {
	case content.PlatformTelegram:
		t := TelegramTarget{
			BotToken:  credential(credentials, "bot_token"),
			ChannelID: credential(credentials, "channel_id"),
		}
		if t.BotToken == "" || t.ChannelID == "" {
			return nil, fmt.Errorf("%w: telegram needs bot_token and channel_id", ErrBadCredentials)
		}
		return t, nil

	case content.PlatformWordPress:
		t := WordPressTarget{
			SiteURL:             strings.TrimRight(credential(credentials, "site_url"), "/"),
			Username:            credential(credentials, "username"),
			ApplicationPassword: credential(credentials, "application_password"),
			ClientID:            credential(credentials, "client_id"),
			ClientSecret:        credential(credentials, "client_secret"),
			TokenURL:            credential(credentials, "token_url"),
		}
		if t.SiteURL == "" {
			return nil, fmt.Errorf("%w: wordpress needs site_url", ErrBadCredentials)
		}
		if t.usesOAuth() {
			if t.ClientSecret == "" || t.TokenURL == "" {
				return nil, fmt.Errorf("%w: wordpress oauth needs client_secret and token_url", ErrBadCredentials)
			}
		} else if t.Username == "" || t.ApplicationPassword == "" {
			return nil, fmt.Errorf("%w: wordpress needs username and application_password", ErrBadCredentials)
		}
		return t, nil

	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedPlatform, platform)
	}
}

func credential(credentials map[string]interface{}, key string) string {
	switch v := credentials[key].(type) {
	case string:
		return strings.TrimSpace(v)
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case int64:
		return strconv.FormatInt(v, 10)
	case int:
		return strconv.Itoa(v)
	default:
		return ""
	}
}
