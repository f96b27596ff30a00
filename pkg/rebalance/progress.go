package rebalance

import (
	"regexp"
	"strconv"
	"strings"
)

// TransferProgress is one structured progress update parsed from the
// external tool's output stream (spec.md §4.4).
type TransferProgress struct {
	BytesDone      int64
	BytesTotal     int64 // 0 if unknown
	RateBytesPerSec int64 // 0 if unknown
	CurrentPath    string
	ETASeconds     int64 // 0 if unknown
}

// rsync --info=progress2 lines look like:
//   "      1,234,567  43%    12.34MB/s    0:00:05 (xfr#3, to-chk=7/12)"
// and file-header lines are the bare path being transferred. Unknown lines
// are discarded; a progress update without a rate is valid (spec.md §4.4).
var progressLineRe = regexp.MustCompile(`^\s*([\d,]+)\s+(\d+)%\s+([\d.]+[a-zA-Z]+/s)\s+(\d+:\d{2}:\d{2})`)

// ProgressParser turns raw rsync stdout lines into TransferProgress events.
// It tracks the most recently seen path header so progress lines can be
// attributed to a file.
type ProgressParser struct {
	lastPath string
}

// Parse consumes one line of output and returns a TransferProgress and true
// if the line carried a recognizable progress update.
func (p *ProgressParser) Parse(line string) (TransferProgress, bool) {
	line = strings.TrimRight(line, "\r\n")
	if line == "" {
		return TransferProgress{}, false
	}

	if m := progressLineRe.FindStringSubmatch(line); m != nil {
		bytesDone := parseThousands(m[1])
		rate := parseRate(m[3])
		eta := parseETA(m[4])
		return TransferProgress{
			BytesDone:       bytesDone,
			RateBytesPerSec: rate,
			ETASeconds:      eta,
			CurrentPath:     p.lastPath,
		}, true
	}

	// A bare, non-indented line with no trailing '/' is treated as the path
	// header rsync prints immediately before a file's progress lines.
	if !strings.HasPrefix(line, " ") && !strings.HasSuffix(line, "/") {
		p.lastPath = line
	}
	return TransferProgress{}, false
}

func parseThousands(s string) int64 {
	s = strings.ReplaceAll(s, ",", "")
	v, _ := strconv.ParseInt(s, 10, 64)
	return v
}

func parseRate(s string) int64 {
	// e.g. "12.34MB/s" -> bytes/sec
	s = strings.TrimSuffix(s, "/s")
	var unit string
	var numEnd int
	for numEnd = 0; numEnd < len(s); numEnd++ {
		c := s[numEnd]
		if !(c >= '0' && c <= '9' || c == '.') {
			break
		}
	}
	value, err := strconv.ParseFloat(s[:numEnd], 64)
	if err != nil {
		return 0
	}
	unit = strings.ToUpper(s[numEnd:])

	var mult float64
	switch unit {
	case "KB":
		mult = 1 << 10
	case "MB":
		mult = 1 << 20
	case "GB":
		mult = 1 << 30
	default:
		mult = 1
	}
	return int64(value * mult)
}

func parseETA(s string) int64 {
	parts := strings.Split(s, ":")
	if len(parts) != 3 {
		return 0
	}
	h, _ := strconv.ParseInt(parts[0], 10, 64)
	m, _ := strconv.ParseInt(parts[1], 10, 64)
	sec, _ := strconv.ParseInt(parts[2], 10, 64)
	return h*3600 + m*60 + sec
}
