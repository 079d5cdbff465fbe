// Package progress extracts completion percentage and remaining time from
// the text a worker prints on its diagnostic channel.
package progress

import (
	"regexp"
	"strconv"
)

// Update is one recognized progress report.
type Update struct {
	Percent    int
	ETASeconds *int // nil when the line has no ETA
}

// Parser turns one line of worker output into an Update. Lines without a
// progress report return false, this is not an error.
type Parser interface {
	Parse(line string) (Update, bool)
}

var (
	percentRx = regexp.MustCompile(`(\d+)%\|`)
	etaRx     = regexp.MustCompile(`<(\d+):(\d+)`)
)

// Tqdm understands progress bars in the tqdm format
//
//	 50%|█████     | 5/10 [00:30<00:30,  6.00s/it]
//
// the NN%| token is mandatory, <MM:SS is read as the ETA.
type Tqdm struct{}

func (Tqdm) Parse(line string) (Update, bool) {
	m := percentRx.FindStringSubmatch(line)
	if m == nil {
		return Update{}, false
	}
	pct, err := strconv.Atoi(m[1])
	if err != nil {
		return Update{}, false
	}
	u := Update{Percent: pct}

	if e := etaRx.FindStringSubmatch(line); e != nil {
		minutes, err1 := strconv.Atoi(e[1])
		seconds, err2 := strconv.Atoi(e[2])
		if err1 == nil && err2 == nil {
			eta := minutes*60 + seconds
			u.ETASeconds = &eta
		}
	}
	return u, true
}
