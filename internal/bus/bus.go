package bus

// Notification is one outbound chat message.
type Notification struct {
	ChatID int64
	Text   string
}
