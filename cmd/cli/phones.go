package main

import (
	"bufio"
	"bytes"
	"io"
	"os"
	"strings"
)

func readAll(p string) ([]byte, error) {
	if p == "-" {
		return io.ReadAll(os.Stdin)
	}
	return os.ReadFile(p)
}

// collectPhones merges a comma separated list with a file of one phone per
// line. Blank lines and lines starting with '#' are skipped; the server does
// normalization and dedup.
func collectPhones(list, file string) ([]string, error) {
	var out []string
	for _, p := range strings.Split(list, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	if file == "" {
		return out, nil
	}
	b, err := readAll(file)
	if err != nil {
		return nil, err
	}
	sc := bufio.NewScanner(bytes.NewReader(b))
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		out = append(out, line)
	}
	return out, sc.Err()
}
