package publication

import (
	"context"
	"fmt"
	"net/http"

	"github.com/robopost/platform/pkg/common/faults"
)

// Post is the rendered content handed to a platform.
type Post struct {
	ItemID int64
	Title  string
	Body   string
	URL    string
}

// Deliverer performs one delivery and returns the platform's id for it.
type Deliverer interface {
	Deliver(ctx context.Context, target Target, post Post) (string, error)
}

type PlatformDeliverer struct {
	telegram  *TelegramSender
	wordpress *WordPressClient
}

func NewPlatformDeliverer(client *http.Client) *PlatformDeliverer {
	return &PlatformDeliverer{
		telegram:  NewTelegramSender(client),
		wordpress: NewWordPressClient(client),
	}
}

func (d *PlatformDeliverer) Deliver(ctx context.Context, target Target, post Post) (string, error) {
	switch t := target.(type) {
	case TelegramTarget:
		return d.telegram.Send(ctx, t, post)
	case WordPressTarget:
		return d.wordpress.CreatePost(ctx, t, post)
	default:
		return "", faults.Permanent(fmt.Errorf("%w: %T", ErrUnsupportedPlatform, target))
	}
}
