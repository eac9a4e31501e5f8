package store

// BottomThreshold is how close to the end, in pixels, still counts as
// being at the bottom of the list.
const BottomThreshold = 50.0

// Viewport is the scrollable message list as rendered by the UI.
type Viewport interface {
	ScrollTop() float64
	ScrollHeight() float64
	ClientHeight() float64
	ScrollTo(offset float64)
}

// ScrollPosition is captured before an out-of-band refetch.
type ScrollPosition struct {
	ScrollTop    float64
	ScrollHeight float64
	WasAtBottom  bool
}

func CaptureScroll(v Viewport) ScrollPosition {
	top, height := v.ScrollTop(), v.ScrollHeight()
	return ScrollPosition{
		ScrollTop:    top,
		ScrollHeight: height,
		WasAtBottom:  height-top-v.ClientHeight() <= BottomThreshold,
	}
}

// Restore puts the reader back where they were. At the bottom it follows
// the new end of the list; otherwise it offsets by the growth in content
// height so rows inserted above the viewport do not shift what is visible.
func (p ScrollPosition) Restore(v Viewport) {
	newHeight := v.ScrollHeight()
	if p.WasAtBottom {
		v.ScrollTo(max(newHeight-v.ClientHeight(), 0))
		return
	}
	v.ScrollTo(max(p.ScrollTop+(newHeight-p.ScrollHeight), 0))
}
