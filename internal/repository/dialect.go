package repository

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/hitoshi/postwatch/internal/database"
	"github.com/lib/pq"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

// pgUniqueViolation はPostgreSQLの一意制約違反のSQLSTATE。
const pgUniqueViolation = "23505"

// sqliteMaxVars はIN句1回あたりのバインド変数の上限。
const sqliteMaxVars = 500

var placeholderPattern = regexp.MustCompile(`\$(\d+)`)

// dialect はPostgreSQLとSQLiteのSQL方言の差異を吸収する。
type dialect struct {
	driver database.Driver
}

// rebind は $N 形式のプレースホルダをドライバに合わせて書き換える。
// SQLiteでは同じ番号を再利用できる ?N 形式に変換する。
func (d dialect) rebind(query string) string {
	if d.driver != database.DriverSQLite {
		return query
	}
	return placeholderPattern.ReplaceAllString(query, "?$1")
}

// anyOf はcolがvaluesのいずれかに一致する条件式を返す。
// PostgreSQLは配列パラメータ1個、SQLiteは値ごとのパラメータを使う。
// start は最初に使うプレースホルダ番号。
func (d dialect) anyOf(col string, start int, values []string) (string, []any) {
	if d.driver != database.DriverSQLite {
		return fmt.Sprintf("%s = ANY($%d)", col, start), []any{pq.Array(values)}
	}

	marks := make([]string, len(values))
	args := make([]any, len(values))
	for i, v := range values {
		marks[i] = fmt.Sprintf("$%d", start+i)
		args[i] = v
	}
	return fmt.Sprintf("%s IN (%s)", col, strings.Join(marks, ", ")), args
}

// chunkSize はanyOfに一度に渡せる値の件数を返す。
func (d dialect) chunkSize() int {
	if d.driver == database.DriverSQLite {
		return sqliteMaxVars
	}
	return 0
}

// isUniqueViolation はエラーが一意制約違反かを判定する。
func (d dialect) isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == pgUniqueViolation
	}
	var sqliteErr *sqlite.Error
	if errors.As(err, &sqliteErr) {
		code := sqliteErr.Code()
		if code == sqlite3.SQLITE_CONSTRAINT_UNIQUE {
			return true
		}
		// 拡張エラーコードが無効な接続では基本コードだけが返る
		return code&0xff == sqlite3.SQLITE_CONSTRAINT && strings.Contains(sqliteErr.Error(), "UNIQUE")
	}
	return false
}

// chunks はvaluesをsize件ずつに分割する。sizeが0以下の場合は分割しない。
func chunks(values []string, size int) [][]string {
	if size <= 0 || len(values) <= size {
		return [][]string{values}
	}
	var out [][]string
	for len(values) > size {
		out = append(out, values[:size])
		values = values[size:]
	}
	return append(out, values)
}
