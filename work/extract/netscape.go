package extract

import (
	"bufio"
	"os"
	"strings"
)

// httpOnlyPrefix marks jar lines for HttpOnly cookies. The prefix lives in a
// comment so older consumers skip the line; we still want those cookies.
const httpOnlyPrefix = "#HttpOnly_"

// readNetscapeFile parses a Netscape-format cookie jar into Cookie entries.
// Malformed lines are skipped rather than failing the whole jar.
func readNetscapeFile(path string) ([]Cookie, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var jar []Cookie
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(line, httpOnlyPrefix) {
			line = strings.TrimPrefix(line, httpOnlyPrefix)
		} else if strings.HasPrefix(line, "#") || strings.TrimSpace(line) == "" {
			continue
		}

		// domain \t includeSubdomains \t path \t secure \t expiry \t name \t value
		fields := strings.Split(line, "\t")
		if len(fields) < 7 {
			continue
		}
		jar = append(jar, Cookie{
			Name:   fields[5],
			Value:  fields[6],
			Domain: fields[0],
		})
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return jar, nil
}
