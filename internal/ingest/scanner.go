package ingest

import "regexp"

// The playout system streams ONAIR tags back to back with no line
// delimiter, in either self-closing or open/close form:
//
//	<ONAIR Title="..." Author="..." Remain="42"/>
//	<ONAIR Title="..."></ONAIR>
var (
	tagPattern  = regexp.MustCompile(`<ONAIR\s+(.*?)(/>|></ONAIR>)`)
	attrPattern = regexp.MustCompile(`(\w+)="([^"]*)"`)
)

// maxBufferSize caps the accumulation buffer. A stream that never
// completes a tag is wiped wholesale, partial tag included; this is a
// memory safety valve, not a parse-recovery path.
const maxBufferSize = 100000

// tagScanner accumulates stream bytes and extracts complete tags as
// attribute maps. Consumed prefix is discarded after each extraction.
type tagScanner struct {
	buf []byte
}

func (sc *tagScanner) feed(chunk []byte) []map[string]string {
	sc.buf = append(sc.buf, chunk...)

	var tags []map[string]string
	last := 0
	for _, m := range tagPattern.FindAllSubmatchIndex(sc.buf, -1) {
		content := sc.buf[m[2]:m[3]]
		last = m[1]

		attrs := make(map[string]string)
		for _, am := range attrPattern.FindAllSubmatch(content, -1) {
			attrs[string(am[1])] = string(am[2])
		}
		tags = append(tags, attrs)
	}

	if last > 0 {
		rest := make([]byte, len(sc.buf)-last)
		copy(rest, sc.buf[last:])
		sc.buf = rest
	}
	if len(sc.buf) > maxBufferSize {
		sc.buf = nil
	}
	return tags
}
