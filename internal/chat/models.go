package chat

import "time"

const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Record is one chat event, immutable after creation. Every instance holds
// its own copy; replicas converge per id through the reconciler, with
// CreatedAt as the only conflict-resolution key.
type Record struct {
	ID        string    `gorm:"primaryKey;type:varchar(36)" json:"id"`
	UserID    string    `gorm:"type:varchar(64);index:idx_chat_msg_user_created,priority:1;not null" json:"userId"`
	Role      string    `gorm:"type:varchar(16);not null" json:"role"`
	Content   string    `gorm:"type:text;not null" json:"content"`
	CreatedAt time.Time `gorm:"index:idx_chat_msg_user_created,priority:2" json:"createdAt"`
}

func (Record) TableName() string { return "chat_messages" }
