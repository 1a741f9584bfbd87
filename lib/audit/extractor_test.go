package audit

import (
	"reflect"
	"strings"
	"testing"
)

// collect returns an extractor plus the slice its emissions land in.
func collect() (*Extractor, *[]string) {
	var lines []string
	e := NewExtractor(func(line string) {
		lines = append(lines, line)
	})
	return e, &lines
}

func TestExtractor_Observe(t *testing.T) {
	t.Run("single command", func(t *testing.T) {
		e, lines := collect()
		e.Observe([]byte("ls -la\n"))

		if want := []string{"ls -la"}; !reflect.DeepEqual(*lines, want) {
			t.Errorf("emitted = %v, want %v", *lines, want)
		}
	})

	t.Run("no terminator no emission", func(t *testing.T) {
		e, lines := collect()
		e.Observe([]byte("ls -la"))

		if len(*lines) != 0 {
			t.Errorf("emitted = %v, want none", *lines)
		}
	})

	t.Run("carriage return terminates", func(t *testing.T) {
		e, lines := collect()
		e.Observe([]byte("pwd\r"))

		if want := []string{"pwd"}; !reflect.DeepEqual(*lines, want) {
			t.Errorf("emitted = %v, want %v", *lines, want)
		}
	})

	t.Run("crlf emits once", func(t *testing.T) {
		e, lines := collect()
		e.Observe([]byte("pwd\r\n"))

		if want := []string{"pwd"}; !reflect.DeepEqual(*lines, want) {
			t.Errorf("emitted = %v, want %v", *lines, want)
		}
	})

	t.Run("crlf split across chunks emits once", func(t *testing.T) {
		e, lines := collect()
		e.Observe([]byte("pwd\r"))
		e.Observe([]byte("\n"))

		if want := []string{"pwd"}; !reflect.DeepEqual(*lines, want) {
			t.Errorf("emitted = %v, want %v", *lines, want)
		}
	})

	t.Run("command split across chunks", func(t *testing.T) {
		e, lines := collect()
		e.Observe([]byte("ls "))
		e.Observe([]byte("-la"))
		e.Observe([]byte("\n"))

		if want := []string{"ls -la"}; !reflect.DeepEqual(*lines, want) {
			t.Errorf("emitted = %v, want %v", *lines, want)
		}
	})

	t.Run("paste with embedded newlines", func(t *testing.T) {
		e, lines := collect()
		e.Observe([]byte("cd /tmp\nmake\nmake install\n"))

		want := []string{"cd /tmp", "make", "make install"}
		if !reflect.DeepEqual(*lines, want) {
			t.Errorf("emitted = %v, want %v", *lines, want)
		}
	})

	t.Run("empty lines dropped", func(t *testing.T) {
		e, lines := collect()
		e.Observe([]byte("\n\n  \n\t\n"))

		if len(*lines) != 0 {
			t.Errorf("emitted = %v, want none", *lines)
		}
	})

	t.Run("surrounding whitespace trimmed", func(t *testing.T) {
		e, lines := collect()
		e.Observe([]byte("  whoami  \n"))

		if want := []string{"whoami"}; !reflect.DeepEqual(*lines, want) {
			t.Errorf("emitted = %v, want %v", *lines, want)
		}
	})

	t.Run("ctrl-c discards pending line", func(t *testing.T) {
		e, lines := collect()
		e.Observe([]byte("rm -rf \x03"))

		if len(*lines) != 0 {
			t.Errorf("emitted = %v, want none", *lines)
		}

		// The accumulator is clean afterwards.
		e.Observe([]byte("ls\n"))
		if want := []string{"ls"}; !reflect.DeepEqual(*lines, want) {
			t.Errorf("emitted after ctrl-c = %v, want %v", *lines, want)
		}
	})

	t.Run("ctrl-c then newline emits nothing", func(t *testing.T) {
		e, lines := collect()
		e.Observe([]byte("rm -rf /\x03\n"))

		if len(*lines) != 0 {
			t.Errorf("emitted = %v, want none", *lines)
		}
	})

	t.Run("undecodable bytes dropped from tap", func(t *testing.T) {
		e, lines := collect()
		e.Observe([]byte{0xff, 0xfe, 'l', 's', '\n'})

		if want := []string{"ls"}; !reflect.DeepEqual(*lines, want) {
			t.Errorf("emitted = %v, want %v", *lines, want)
		}
	})

	t.Run("multi-byte utf8 preserved", func(t *testing.T) {
		e, lines := collect()
		e.Observe([]byte("echo ファイル\n"))

		if want := []string{"echo ファイル"}; !reflect.DeepEqual(*lines, want) {
			t.Errorf("emitted = %v, want %v", *lines, want)
		}
	})

	t.Run("multi-byte utf8 split across chunks", func(t *testing.T) {
		e, lines := collect()
		raw := []byte("echo ファイル\n")
		e.Observe(raw[:7])
		e.Observe(raw[7:])

		if want := []string{"echo ファイル"}; !reflect.DeepEqual(*lines, want) {
			t.Errorf("emitted = %v, want %v", *lines, want)
		}
	})

	t.Run("long single line", func(t *testing.T) {
		e, lines := collect()
		long := strings.Repeat("x", 25000)
		e.Observe([]byte(long + "\n"))

		if len(*lines) != 1 {
			t.Fatalf("emitted %d lines, want 1", len(*lines))
		}
		if (*lines)[0] != long {
			t.Errorf("emitted line length = %d, want %d", len((*lines)[0]), len(long))
		}
	})
}
