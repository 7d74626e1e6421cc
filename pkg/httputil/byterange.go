package httputil

import (
	"fmt"
	"strconv"
	"strings"
)

// ByteRange is one satisfiable slice of a resource.
type ByteRange struct {
	Start  int64
	Length int64
}

// End returns the inclusive last byte offset.
func (r ByteRange) End() int64 {
	return r.Start + r.Length - 1
}

// ContentRange formats the Content-Range header value for a resource of size.
func (r ByteRange) ContentRange(size int64) string {
	return fmt.Sprintf("bytes %d-%d/%d", r.Start, r.End(), size)
}

// ParseRange interprets a single-range Range header against a resource of
// the given size. It understands "bytes=a-", "bytes=-n" and "bytes=a-b".
// ok is false when the header is absent, malformed, multi-range or
// unsatisfiable; callers then serve the full content.
func ParseRange(header string, size int64) (ByteRange, bool) {
	header = strings.TrimSpace(header)
	if header == "" || size <= 0 {
		return ByteRange{}, false
	}
	const unit = "bytes="
	if !strings.HasPrefix(strings.ToLower(header), unit) {
		return ByteRange{}, false
	}
	rng := strings.TrimSpace(header[len(unit):])
	if rng == "" || strings.Contains(rng, ",") {
		return ByteRange{}, false
	}

	dash := strings.IndexByte(rng, '-')
	if dash < 0 {
		return ByteRange{}, false
	}
	startStr := strings.TrimSpace(rng[:dash])
	endStr := strings.TrimSpace(rng[dash+1:])

	if startStr == "" {
		n, err := strconv.ParseInt(endStr, 10, 64)
		if err != nil || n <= 0 {
			return ByteRange{}, false
		}
		if n > size {
			n = size
		}
		return ByteRange{Start: size - n, Length: n}, true
	}

	start, err := strconv.ParseInt(startStr, 10, 64)
	if err != nil || start < 0 || start >= size {
		return ByteRange{}, false
	}
	end := size - 1
	if endStr != "" {
		end, err = strconv.ParseInt(endStr, 10, 64)
		if err != nil || end < start {
			return ByteRange{}, false
		}
		if end >= size {
			end = size - 1
		}
	}
	return ByteRange{Start: start, Length: end - start + 1}, true
}
