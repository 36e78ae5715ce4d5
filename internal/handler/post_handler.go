package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/hitoshi/postwatch/internal/model"
	"github.com/hitoshi/postwatch/internal/post"
)

// maxIngestBodyBytes は取り込みリクエストボディの上限。
const maxIngestBodyBytes = 10 << 20

// IngestServiceInterface は取り込みハンドラーが必要とするサービスインターフェース。
type IngestServiceInterface interface {
	// IngestBatch はバッチを重複除外して保存し、全itemの結果を返す。
	// malformedの位置のitemは検証エラーとして扱う。
	IngestBatch(ctx context.Context, items []model.RawItem, malformed map[int]string) (*post.IngestResult, error)
}

// PostServiceInterface は投稿の参照・更新に必要なサービスインターフェース。
type PostServiceInterface interface {
	List(ctx context.Context, filter model.PostFilter) (*post.ListResult, error)
	Get(ctx context.Context, id string) (*model.Post, error)
	UpdateStatus(ctx context.Context, id, status string) (*model.Post, error)
	Delete(ctx context.Context, id string) error
	Clear(ctx context.Context) (int64, error)
}

// PostHandler は投稿APIのHTTPハンドラー。
type PostHandler struct {
	ingest  IngestServiceInterface
	service PostServiceInterface
}

// NewPostHandler はPostHandlerを生成する。
func NewPostHandler(ingest IngestServiceInterface, service PostServiceInterface) *PostHandler {
	return &PostHandler{ingest: ingest, service: service}
}

// --- リクエスト・レスポンス型 ---

// ingestRequest は {"items": [...]} 形式の取り込みリクエスト。
type ingestRequest struct {
	Items []json.RawMessage `json:"items"`
}

// invalidItemResponse は検証エラーになった1件。
type invalidItemResponse struct {
	Index  int    `json:"index"`
	Reason string `json:"reason"`
}

// ingestResponse は取り込み結果のレスポンス。
type ingestResponse struct {
	Success       bool                  `json:"success"`
	Received      int                   `json:"received"`
	Inserted      []*model.Post         `json:"inserted"`
	RejectedCount int                   `json:"rejectedCount"`
	Duplicates    []post.Suppressed     `json:"duplicates"`
	Conflicts     []post.Suppressed     `json:"conflicts"`
	Invalid       []invalidItemResponse `json:"invalid"`
}

// listResponse は投稿一覧のレスポンス。
type listResponse struct {
	Posts []*model.Post `json:"posts"`
	Total int           `json:"total"`
	Limit int           `json:"limit"`
	Skip  int           `json:"skip"`
}

// statusRequest はステータス更新リクエストのボディ。
type statusRequest struct {
	Status string `json:"status"`
}

// clearResponse は全件削除のレスポンス。
type clearResponse struct {
	Success bool  `json:"success"`
	Deleted int64 `json:"deleted"`
}

// Ingest はスクレイパーからのバッチを取り込む。
// POST /api/posts/ingest
// ボディは {"items": [...]} またはitemの配列そのもの。
func (h *PostHandler) Ingest(w http.ResponseWriter, r *http.Request) {
	items, malformed, err := decodeIngestBody(http.MaxBytesReader(w, r.Body, maxIngestBodyBytes))
	if err != nil {
		writeAPIErrorResponse(w, http.StatusBadRequest, model.NewInvalidRequestError(err.Error()))
		return
	}

	result, err := h.ingest.IngestBatch(r.Context(), items, malformed)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, toIngestResponse(result))
}

// decodeIngestBody は2種類のボディ形式を受け付けてitemを取り出す。
// ボディ全体が不正な場合だけエラーを返す。1件のitemの型が合わない場合は
// そのitemをゼロ値のまま残し、位置と理由をmalformedに記録する。
func decodeIngestBody(body io.Reader) ([]model.RawItem, map[int]string, error) {
	raw, err := io.ReadAll(body)
	if err != nil {
		return nil, nil, err
	}
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return nil, nil, errors.New("リクエストボディが空です")
	}

	var elems []json.RawMessage
	if raw[0] == '[' {
		if err := json.Unmarshal(raw, &elems); err != nil {
			return nil, nil, err
		}
	} else {
		var req ingestRequest
		if err := json.Unmarshal(raw, &req); err != nil {
			return nil, nil, err
		}
		elems = req.Items
	}

	items := make([]model.RawItem, len(elems))
	var malformed map[int]string
	for i, elem := range elems {
		if err := json.Unmarshal(elem, &items[i]); err != nil {
			if malformed == nil {
				malformed = make(map[int]string)
			}
			malformed[i] = "itemの形式が不正です: " + err.Error()
			items[i] = model.RawItem{}
		}
	}
	return items, malformed, nil
}

func toIngestResponse(result *post.IngestResult) ingestResponse {
	resp := ingestResponse{
		Success:       true,
		Received:      result.Received,
		Inserted:      result.Inserted,
		RejectedCount: result.RejectedCount(),
		Duplicates:    result.Duplicates,
		Conflicts:     result.Conflicts,
		Invalid:       make([]invalidItemResponse, 0, len(result.Invalid)),
	}
	// nilではなく空配列で返す
	if resp.Inserted == nil {
		resp.Inserted = []*model.Post{}
	}
	if resp.Duplicates == nil {
		resp.Duplicates = []post.Suppressed{}
	}
	if resp.Conflicts == nil {
		resp.Conflicts = []post.Suppressed{}
	}
	for _, v := range result.Invalid {
		resp.Invalid = append(resp.Invalid, invalidItemResponse{Index: v.Index, Reason: v.Reason})
	}
	return resp
}

// ListPosts は投稿一覧を新しい順に返す。
// GET /api/posts?type=&platform=&status=&keyword=&limit=&skip=
func (h *PostHandler) ListPosts(w http.ResponseWriter, r *http.Request) {
	filter, err := parseListFilter(r)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	result, err := h.service.List(r.Context(), filter)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	posts := result.Posts
	if posts == nil {
		posts = []*model.Post{}
	}
	writeJSON(w, http.StatusOK, listResponse{
		Posts: posts,
		Total: result.Total,
		Limit: result.Limit,
		Skip:  result.Skip,
	})
}

// parseListFilter はクエリパラメータから絞り込み条件を組み立てる。
func parseListFilter(r *http.Request) (model.PostFilter, error) {
	q := r.URL.Query()
	filter := model.PostFilter{
		Type:     model.PostType(strings.TrimSpace(q.Get("type"))),
		Platform: q.Get("platform"),
		Status:   model.PostStatus(strings.ToLower(strings.TrimSpace(q.Get("status")))),
		Keyword:  q.Get("keyword"),
	}

	var err error
	if filter.Limit, err = queryInt(q.Get("limit")); err != nil {
		return filter, model.NewInvalidFilterError("limit=" + q.Get("limit"))
	}
	if filter.Skip, err = queryInt(q.Get("skip")); err != nil {
		return filter, model.NewInvalidFilterError("skip=" + q.Get("skip"))
	}
	return filter, nil
}

// queryInt は空文字を0として整数を解釈する。
func queryInt(s string) (int, error) {
	if s == "" {
		return 0, nil
	}
	return strconv.Atoi(s)
}

// GetPost は投稿を1件返す。
// GET /api/posts/{id}
func (h *PostHandler) GetPost(w http.ResponseWriter, r *http.Request) {
	p, err := h.service.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		handleServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// UpdateStatus は投稿のステータスを変更する。
// PATCH /api/posts/{id}/status
func (h *PostHandler) UpdateStatus(w http.ResponseWriter, r *http.Request) {
	var req statusRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeAPIErrorResponse(w, http.StatusBadRequest, model.NewInvalidRequestError(err.Error()))
		return
	}

	p, err := h.service.UpdateStatus(r.Context(), chi.URLParam(r, "id"), req.Status)
	if err != nil {
		handleServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// DeletePost は投稿を削除する。
// DELETE /api/posts/{id}
func (h *PostHandler) DeletePost(w http.ResponseWriter, r *http.Request) {
	if err := h.service.Delete(r.Context(), chi.URLParam(r, "id")); err != nil {
		handleServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ClearPosts は全投稿を削除する。
// DELETE /api/posts
func (h *PostHandler) ClearPosts(w http.ResponseWriter, r *http.Request) {
	n, err := h.service.Clear(r.Context())
	if err != nil {
		handleServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, clearResponse{Success: true, Deleted: n})
}
