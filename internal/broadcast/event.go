package broadcast

import "github.com/hitoshi/postwatch/internal/model"

// TopicPosts は投稿の変更を配信するトピック（ルーム）名。
const TopicPosts = "posts"

// 配信イベント名
const (
	EventPostsNew     = "posts:new"
	EventPostsUpdated = "posts:updated"
	EventPostsDeleted = "posts:deleted"
	EventPostsCleared = "posts:cleared"
)

// Event は購読者に配信される1件のイベント。
// WebSocketでは {"event": Name, "data": Data} の形でそのまま送信される。
type Event struct {
	Name string `json:"event"`
	Data any    `json:"data,omitempty"`
}

// NewPostsPayload は posts:new のペイロード。
type NewPostsPayload struct {
	Count int           `json:"count"`
	Posts []*model.Post `json:"posts"`
}

// UpdatedPayload は posts:updated のペイロード。
type UpdatedPayload struct {
	Post *model.Post `json:"post"`
}

// DeletedPayload は posts:deleted のペイロード。
type DeletedPayload struct {
	ID string `json:"id"`
}

// NewPostsEvent は新規投稿イベントを生成する。Countは常にlen(posts)と一致する。
func NewPostsEvent(posts []*model.Post) Event {
	return Event{
		Name: EventPostsNew,
		Data: NewPostsPayload{Count: len(posts), Posts: posts},
	}
}

// UpdatedEvent は投稿更新イベントを生成する。
func UpdatedEvent(post *model.Post) Event {
	return Event{Name: EventPostsUpdated, Data: UpdatedPayload{Post: post}}
}

// DeletedEvent は投稿削除イベントを生成する。
func DeletedEvent(id string) Event {
	return Event{Name: EventPostsDeleted, Data: DeletedPayload{ID: id}}
}

// ClearedEvent は全件削除イベントを生成する。ペイロードは持たない。
func ClearedEvent() Event {
	return Event{Name: EventPostsCleared}
}
