package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/hitoshi/postwatch/internal/database"
	"github.com/hitoshi/postwatch/internal/dedup"
	"github.com/hitoshi/postwatch/internal/model"
	"github.com/hitoshi/postwatch/internal/normalize"
)

const postColumns = `id, url, title, full_content, content_hash, type, platform, confidence,
	price, author, location, category, image, status, created_at, updated_at`

// SQLPostRepo はPostgreSQLまたはSQLiteを使用した投稿リポジトリ。
type SQLPostRepo struct {
	db      *sql.DB
	dialect dialect
	now     func() time.Time
}

// NewSQLPostRepo はSQLPostRepoを生成する。
func NewSQLPostRepo(db *sql.DB, driver database.Driver) *SQLPostRepo {
	return &SQLPostRepo{
		db:      db,
		dialect: dialect{driver: driver},
		now:     time.Now,
	}
}

// rowScanner は*sql.Rowと*sql.Rowsの共通インターフェース。
type rowScanner interface {
	Scan(dest ...any) error
}

func scanPost(s rowScanner) (*model.Post, error) {
	p := &model.Post{}
	var url, price, author, location, category, image sql.NullString
	var postType, status string

	err := s.Scan(
		&p.ID, &url, &p.Title, &p.FullContent, &p.ContentHash, &postType, &p.Platform, &p.Confidence,
		&price, &author, &location, &category, &image, &status, &p.CreatedAt, &p.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	p.URL = nullStringValue(url)
	p.URLKey = normalize.URLKey(p.URL)
	p.Price = nullStringValue(price)
	p.Author = nullStringValue(author)
	p.Location = nullStringValue(location)
	p.Category = nullStringValue(category)
	p.Image = nullStringValue(image)
	p.Type = model.PostType(postType)
	p.Status = model.PostStatus(status)
	p.CreatedAt = p.CreatedAt.UTC()
	p.UpdatedAt = p.UpdatedAt.UTC()
	return p, nil
}

// FindByID は指定IDの投稿を取得する。見つからない場合はnilを返す。
func (r *SQLPostRepo) FindByID(ctx context.Context, id string) (*model.Post, error) {
	// PostgreSQLのUUID列に不正な文字列を渡すと構文エラーになるため、先に弾く
	if uuid.Validate(id) != nil {
		return nil, nil
	}

	row := r.db.QueryRowContext(ctx,
		r.dialect.rebind(`SELECT `+postColumns+` FROM posts WHERE id = $1`),
		id,
	)
	p, err := scanPost(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("投稿の取得に失敗しました: %w", err)
	}
	return p, nil
}

// KnownKeys は指定キーのうち永続化済みのものをKeySetとして返す。
// 空のキーは照会しない。
func (r *SQLPostRepo) KnownKeys(ctx context.Context, urlKeys, contentKeys []string) (dedup.KeySet, error) {
	known := dedup.NewKeySet()

	if err := r.collectKeys(ctx, "url_key", nonEmpty(urlKeys), known.AddURL); err != nil {
		return dedup.KeySet{}, fmt.Errorf("既知URLキーの取得に失敗しました: %w", err)
	}
	if err := r.collectKeys(ctx, "content_hash", nonEmpty(contentKeys), known.AddContent); err != nil {
		return dedup.KeySet{}, fmt.Errorf("既知コンテンツキーの取得に失敗しました: %w", err)
	}
	return known, nil
}

// collectKeys はcolの値がkeysに含まれる行を検索し、見つかった値をaddに渡す。
func (r *SQLPostRepo) collectKeys(ctx context.Context, col string, keys []string, add func(string)) error {
	if len(keys) == 0 {
		return nil
	}

	for _, chunk := range chunks(keys, r.dialect.chunkSize()) {
		cond, args := r.dialect.anyOf(col, 1, chunk)
		rows, err := r.db.QueryContext(ctx,
			r.dialect.rebind(`SELECT DISTINCT `+col+` FROM posts WHERE `+cond),
			args...,
		)
		if err != nil {
			return err
		}

		for rows.Next() {
			var key sql.NullString
			if err := rows.Scan(&key); err != nil {
				rows.Close()
				return err
			}
			add(key.String)
		}
		err = rows.Err()
		rows.Close()
		if err != nil {
			return err
		}
	}
	return nil
}

// Create は投稿を1件作成する。
func (r *SQLPostRepo) Create(ctx context.Context, post *model.Post) error {
	r.prepare(post)

	_, err := r.db.ExecContext(ctx,
		r.dialect.rebind(`INSERT INTO posts (id, url, url_key, title, full_content, content_hash, type, platform,
		        confidence, price, author, location, category, image, status, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)`),
		post.ID, nullString(post.URL), nullString(post.URLKey), post.Title, post.FullContent, post.ContentHash,
		string(post.Type), post.Platform, post.Confidence,
		nullString(post.Price), nullString(post.Author), nullString(post.Location),
		nullString(post.Category), nullString(post.Image),
		string(post.Status), post.CreatedAt, post.UpdatedAt,
	)
	if err != nil {
		if r.dialect.isUniqueViolation(err) {
			return fmt.Errorf("%w: %s", model.ErrDuplicatePost, post.URLKey)
		}
		return fmt.Errorf("投稿の作成に失敗しました: %w: %w", model.ErrStoreUnavailable, err)
	}
	return nil
}

// prepare は作成前に未設定の派生フィールドを補完する。
// ContentHashは既に設定されていれば再計算しない。
func (r *SQLPostRepo) prepare(post *model.Post) {
	if post.ID == "" {
		post.ID = uuid.New().String()
	}
	post.URLKey = normalize.URLKey(post.URL)
	if post.ContentHash == "" {
		post.ContentHash = normalize.ContentKey(post.BodyText())
	}
	if post.Type == "" {
		post.Type = model.PostTypeUnknown
	}
	if post.Status == "" {
		post.Status = model.PostStatusNew
	}
	// PostgreSQLの精度に合わせ、保存値と戻り値を一致させる
	if post.CreatedAt.IsZero() {
		post.CreatedAt = r.now()
	}
	post.CreatedAt = post.CreatedAt.UTC().Truncate(time.Microsecond)
	if post.UpdatedAt.IsZero() {
		post.UpdatedAt = post.CreatedAt
	}
	post.UpdatedAt = post.UpdatedAt.UTC().Truncate(time.Microsecond)
}

// InsertBatch は投稿を1件ずつ作成する。
func (r *SQLPostRepo) InsertBatch(ctx context.Context, posts []*model.Post) (*InsertResult, error) {
	return insertEach(ctx, posts, r.Create)
}

// insertEach はcreateを投稿ごとに呼び出し、結果を振り分ける。
// 一意制約違反は拒否として扱い、それ以外のエラーで中断する。
// 中断時も、それまでに作成済みの投稿を含む結果を返す。
func insertEach(ctx context.Context, posts []*model.Post, create func(context.Context, *model.Post) error) (*InsertResult, error) {
	result := &InsertResult{
		Inserted: make([]*model.Post, 0, len(posts)),
	}

	for _, p := range posts {
		err := create(ctx, p)
		switch {
		case err == nil:
			result.Inserted = append(result.Inserted, p)
		case errors.Is(err, model.ErrDuplicatePost):
			result.Rejected = append(result.Rejected, Rejection{Post: p, Err: err})
		default:
			return result, err
		}
	}
	return result, nil
}

// List は条件に一致する投稿を作成日時の降順で返す。
func (r *SQLPostRepo) List(ctx context.Context, filter model.PostFilter) ([]*model.Post, int, error) {
	where, args := buildPostFilter(filter)

	var total int
	err := r.db.QueryRowContext(ctx,
		r.dialect.rebind(`SELECT COUNT(*) FROM posts`+where),
		args...,
	).Scan(&total)
	if err != nil {
		return nil, 0, fmt.Errorf("投稿件数の取得に失敗しました: %w", err)
	}

	n := len(args)
	query := `SELECT ` + postColumns + ` FROM posts` + where +
		fmt.Sprintf(` ORDER BY created_at DESC, id DESC LIMIT $%d OFFSET $%d`, n+1, n+2)
	args = append(args, filter.Limit, filter.Skip)

	rows, err := r.db.QueryContext(ctx, r.dialect.rebind(query), args...)
	if err != nil {
		return nil, 0, fmt.Errorf("投稿一覧の取得に失敗しました: %w", err)
	}
	defer rows.Close()

	posts := make([]*model.Post, 0)
	for rows.Next() {
		p, err := scanPost(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("投稿のスキャンに失敗しました: %w", err)
		}
		posts = append(posts, p)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("投稿一覧の走査に失敗しました: %w", err)
	}

	return posts, total, nil
}

// buildPostFilter は絞り込み条件からWHERE句と引数を組み立てる。
func buildPostFilter(filter model.PostFilter) (string, []any) {
	var conds []string
	var args []any

	add := func(cond string, arg any) {
		args = append(args, arg)
		conds = append(conds, fmt.Sprintf(cond, len(args)))
	}

	if filter.Type != "" {
		add("type = $%d", string(filter.Type))
	}
	if filter.Platform != "" {
		add("platform = $%d", filter.Platform)
	}
	if filter.Status != "" {
		add("status = $%d", string(filter.Status))
	}
	if kw := strings.TrimSpace(filter.Keyword); kw != "" {
		add(`(LOWER(title) LIKE $%[1]d ESCAPE '\' OR LOWER(full_content) LIKE $%[1]d ESCAPE '\')`,
			"%"+escapeLike(strings.ToLower(kw))+"%")
	}

	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

// escapeLike はLIKEパターンのメタ文字をエスケープする。
func escapeLike(s string) string {
	return strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(s)
}

// UpdateStatus は投稿のステータスを更新し、更新後の投稿を返す。
func (r *SQLPostRepo) UpdateStatus(ctx context.Context, id string, status model.PostStatus) (*model.Post, error) {
	if uuid.Validate(id) != nil {
		return nil, fmt.Errorf("%w: %s", model.ErrPostNotFound, id)
	}

	result, err := r.db.ExecContext(ctx,
		r.dialect.rebind(`UPDATE posts SET status = $1, updated_at = $2 WHERE id = $3`),
		string(status), r.now().UTC().Truncate(time.Microsecond), id,
	)
	if err != nil {
		return nil, fmt.Errorf("ステータスの更新に失敗しました: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("更新結果の取得に失敗しました: %w", err)
	}
	if rowsAffected == 0 {
		return nil, fmt.Errorf("%w: %s", model.ErrPostNotFound, id)
	}

	post, err := r.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if post == nil {
		// 更新直後に一括削除された場合
		return nil, fmt.Errorf("%w: %s", model.ErrPostNotFound, id)
	}
	return post, nil
}

// Delete は指定IDの投稿を削除する。
func (r *SQLPostRepo) Delete(ctx context.Context, id string) error {
	if uuid.Validate(id) != nil {
		return fmt.Errorf("%w: %s", model.ErrPostNotFound, id)
	}

	result, err := r.db.ExecContext(ctx, r.dialect.rebind(`DELETE FROM posts WHERE id = $1`), id)
	if err != nil {
		return fmt.Errorf("投稿の削除に失敗しました: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("削除結果の取得に失敗しました: %w", err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("%w: %s", model.ErrPostNotFound, id)
	}
	return nil
}

// DeleteAll は全投稿を削除し、削除件数を返す。
func (r *SQLPostRepo) DeleteAll(ctx context.Context) (int64, error) {
	result, err := r.db.ExecContext(ctx, `DELETE FROM posts`)
	if err != nil {
		return 0, fmt.Errorf("投稿の一括削除に失敗しました: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("削除結果の取得に失敗しました: %w", err)
	}
	return n, nil
}

// Ping はストレージへの疎通を確認する。
func (r *SQLPostRepo) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

func nullStringValue(ns sql.NullString) string {
	if ns.Valid {
		return ns.String
	}
	return ""
}

// nullString は空文字をNULLとして扱う。
func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

// nonEmpty は空文字を除いたスライスを返す。
func nonEmpty(keys []string) []string {
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		if k != "" {
			out = append(out, k)
		}
	}
	return out
}
