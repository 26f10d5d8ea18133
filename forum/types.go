package forum

import "time"

// Categories the forum accepts for new threads.
var Categories = []string{"chat", "deals", "misc", "tech", "help", "intro", "acg"}

// ValidCategory reports whether c is a category the forum accepts.
func ValidCategory(c string) bool {
	for _, v := range Categories {
		if v == c {
			return true
		}
	}
	return false
}

type Thread struct {
	ID         int64     `json:"id"`
	Title      string    `json:"title,omitempty"`
	Content    string    `json:"content,omitempty"`
	Category   string    `json:"category,omitempty"`
	AuthorID   int64     `json:"author_id,omitempty"`
	AuthorName string    `json:"author_name,omitempty"`
	ReplyCount int       `json:"reply_count,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

type Reply struct {
	ID         int64     `json:"id"`
	ThreadID   int64     `json:"thread_id,omitempty"`
	Content    string    `json:"content,omitempty"`
	AuthorID   int64     `json:"author_id,omitempty"`
	AuthorName string    `json:"author_name,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

type ThreadList struct {
	Items    []Thread `json:"items"`
	Total    int      `json:"total"`
	Page     int      `json:"page"`
	PageSize int      `json:"page_size"`
}

type Notification struct {
	ID           int64     `json:"id"`
	Type         string    `json:"type"`
	ThreadID     int64     `json:"thread_id,omitempty"`
	ReplyID      int64     `json:"reply_id,omitempty"`
	ThreadTitle  string    `json:"thread_title,omitempty"`
	FromUserID   int64     `json:"from_user_id,omitempty"`
	FromUsername string    `json:"from_username,omitempty"`
	Content      string    `json:"content,omitempty"`
	IsRead       bool      `json:"is_read"`
	CreatedAt    time.Time `json:"created_at"`
}

type NotificationList struct {
	Items []Notification `json:"items"`
	Total int            `json:"total"`
}

type NotificationCounts struct {
	Unread int `json:"unread"`
	Total  int `json:"total"`
}
