package app

import (
	"testing"
)

func TestParseCommand(t *testing.T) {
	tests := []struct {
		name string
		args []string
		want Command
	}{
		{"引数なしはserve", []string{}, CommandServe},
		{"serve", []string{"serve"}, CommandServe},
		{"migrate", []string{"migrate"}, CommandMigrate},
		{"watch", []string{"watch"}, CommandWatch},
		{"healthcheck", []string{"healthcheck"}, CommandHealthcheck},
		{"未知のコマンドはserve", []string{"worker"}, CommandServe},
		{"余分な引数は無視", []string{"watch", "--stdin", "value"}, CommandWatch},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ParseCommand(tt.args); got != tt.want {
				t.Errorf("ParseCommand(%v) = %q, want %q", tt.args, got, tt.want)
			}
		})
	}
}

func TestHasFlag(t *testing.T) {
	if !hasFlag([]string{"watch", "--stdin"}, "--stdin") {
		t.Error("expected --stdin to be found")
	}
	if hasFlag([]string{"--stdin"}, "--stdin") {
		t.Error("the command itself must not be treated as a flag")
	}
	if hasFlag([]string{"watch"}, "--stdin") {
		t.Error("unexpected flag")
	}
}
