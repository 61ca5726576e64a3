package stats

import "time"

// Window は完了フレーム数の増分を一定時間ぶん積算し、平均レートを求める
//
// ポーリング毎の瞬間値ではなく、Window の長さごとに平均を取り直す。
// カウンタの減少（ドライバーのリセットや桁あふれ）は不連続として扱い、基準値と積算を捨てる。
type Window struct {
	size time.Duration

	primed  bool
	prev    uint32
	before  time.Time
	total   uint64
	elapsed time.Duration

	rate float64
}

// NewWindow は新しいWindowを作成する
func NewWindow(size time.Duration) *Window {
	return &Window{size: size}
}

// Observe はカウンタ値を1つ取り込む
// rolled はウィンドウが締まりレートが更新されたこと、discontinuity はカウンタの減少を検出したことを示す
func (w *Window) Observe(completed uint32, now time.Time) (rate float64, rolled, discontinuity bool) {
	if !w.primed {
		w.prime(completed, now)
		return w.rate, false, false
	}

	if completed < w.prev {
		w.total = 0
		w.elapsed = 0
		w.prime(completed, now)
		return w.rate, false, true
	}

	w.total += uint64(completed - w.prev)
	if now.After(w.before) {
		w.elapsed += now.Sub(w.before)
	}
	w.prev = completed
	w.before = now

	if w.elapsed >= w.size && w.elapsed > 0 {
		ms := float64(w.elapsed) / float64(time.Millisecond)
		w.rate = float64(w.total) * 1000 / ms
		w.total = 0
		w.elapsed = 0
		return w.rate, true, false
	}
	return w.rate, false, false
}

// Reset は積算と基準値を捨てる
// 直前に確定したレートは保持する
func (w *Window) Reset() {
	w.primed = false
	w.total = 0
	w.elapsed = 0
}

// Rate は直前に確定したレートを返す
func (w *Window) Rate() float64 {
	return w.rate
}

func (w *Window) prime(completed uint32, now time.Time) {
	w.primed = true
	w.prev = completed
	w.before = now
}
