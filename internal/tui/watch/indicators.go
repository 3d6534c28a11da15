package watch

import (
	"strings"
	"time"
)

var pulseFrames = []string{"◐", "◓", "◑", "◒"}

// pulse turns once per UI tick so a frozen screen is obvious.
type pulse struct {
	frame int
}

func (p *pulse) advance() {
	p.frame = (p.frame + 1) % len(pulseFrames)
}

func (p pulse) String() string {
	return pulseFrames[p.frame]
}

const activityWindow = 12

var sparkLevels = []rune("▁▂▃▄▅▆▇█")

// activity counts events per UI tick over the last activityWindow ticks
// and draws them as a sparkline, oldest on the left.
type activity struct {
	counts [activityWindow]int
	head   int
	last   time.Time
}

func (a *activity) record(at time.Time) {
	a.counts[a.head]++
	a.last = at
}

// roll opens a fresh bucket, dropping the oldest.
func (a *activity) roll() {
	a.head = (a.head + 1) % activityWindow
	a.counts[a.head] = 0
}

func (a activity) lastEvent() time.Time {
	return a.last
}

func (a activity) total() int {
	n := 0
	for _, c := range a.counts {
		n += c
	}
	return n
}

func (a activity) render(theme Theme) string {
	peak := 0
	for _, c := range a.counts {
		peak = max(peak, c)
	}

	var b strings.Builder
	for i := 1; i <= activityWindow; i++ {
		c := a.counts[(a.head+i)%activityWindow]
		if c == 0 {
			b.WriteString(theme.TickerInactive.Render(string(sparkLevels[0])))
			continue
		}
		level := (c*len(sparkLevels) - 1) / peak
		b.WriteString(theme.TickerActive.Render(string(sparkLevels[level])))
	}
	return b.String()
}
