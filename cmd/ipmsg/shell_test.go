package main

import (
	"errors"
	"slices"
	"testing"
)

func TestParseCommand(t *testing.T) {
	tests := []struct {
		line string
		name string
		args []string
		rest string
		err  bool
	}{
		{line: "/peers", name: "peers"},
		{line: "/msg 10.0.0.2 hello there", name: "msg", args: []string{"10.0.0.2"}, rest: "hello there"},
		{line: "/msg   10.0.0.2,10.0.0.3   spaced  ", name: "msg", args: []string{"10.0.0.2,10.0.0.3"}, rest: "spaced"},
		{line: "/all hi", name: "all", rest: "hi"},
		{line: "/status busy at lunch", name: "status", args: []string{"busy"}, rest: "at lunch"},
		{line: "/offer 10.0.0.2 /tmp/my file.txt", name: "offer", args: []string{"10.0.0.2"}, rest: "/tmp/my file.txt"},
		{line: "/accept 2", name: "accept", args: []string{"2"}},
		{line: "/msg", err: true},
		{line: "hello", err: true},
	}

	for _, tt := range tests {
		c, err := parseCommand(tt.line)
		if tt.err {
			if !errors.Is(err, errUsage) {
				t.Errorf("parseCommand(%q) err = %v, want usage error", tt.line, err)
			}
			continue
		}
		if err != nil {
			t.Errorf("parseCommand(%q): %v", tt.line, err)
			continue
		}
		if c.name != tt.name || !slices.Equal(c.args, tt.args) || c.rest != tt.rest {
			t.Errorf("parseCommand(%q) = %+v", tt.line, c)
		}
	}
}
