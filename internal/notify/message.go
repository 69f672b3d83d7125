package notify

import (
	"time"

	"github.com/cimillas/unitvault/internal/domain"
)

// Message is the delivery document handed to the buyer-facing transport.
type Message struct {
	OrderID     string    `json:"order_id"`
	ChannelRef  string    `json:"channel_ref"`
	Count       int       `json:"count"`
	Files       []File    `json:"files"`
	DeliveredAt time.Time `json:"delivered_at"`
}

// File is one rendered bundle section.
type File struct {
	Name      string `json:"name"`
	ProductID string `json:"product_id"`
	Label     string `json:"label"`
	Content   string `json:"content"`
}

func newMessage(channelRef string, b domain.Bundle, at time.Time) Message {
	files := make([]File, 0, len(b.Sections))
	for _, s := range b.Sections {
		files = append(files, File{
			Name:      b.FileName(s),
			ProductID: s.ProductID,
			Label:     s.Label,
			Content:   s.Text(),
		})
	}
	return Message{
		OrderID:     b.OrderID,
		ChannelRef:  channelRef,
		Count:       b.Count(),
		Files:       files,
		DeliveredAt: at,
	}
}
