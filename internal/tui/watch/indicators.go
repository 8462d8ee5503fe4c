package watch

import (
	"strings"
	"time"
)

const activityDots = 5

// Activity lights up on step events and fades one dot every two seconds of
// silence.
type Activity struct {
	lastEvent time.Time
	now       func() time.Time
}

func NewActivity() Activity {
	return Activity{now: time.Now}
}

func (a *Activity) OnEvent() {
	a.lastEvent = a.now()
}

// Lit returns how many dots are lit.
func (a Activity) Lit() int {
	if a.lastEvent.IsZero() {
		return 0
	}
	lit := activityDots - int(a.now().Sub(a.lastEvent)/(2*time.Second))
	if lit < 0 {
		return 0
	}
	return lit
}

func (a Activity) LastEvent() time.Time {
	return a.lastEvent
}

func (a Activity) Render(theme Theme) string {
	lit := a.Lit()
	var b strings.Builder
	for i := 0; i < activityDots; i++ {
		if i < lit {
			b.WriteString(theme.ActivityOn.Render("●"))
		} else {
			b.WriteString(theme.ActivityOff.Render("○"))
		}
	}
	return b.String()
}
