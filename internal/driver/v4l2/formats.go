package v4l2

import "otcsnap/internal/driver"

// FourCC
const (
	fourccYUYV uint32 = 0x56595559 // 'YUYV'
	fourccGREY uint32 = 0x59455247 // 'GREY'
	fourccRGB3 uint32 = 0x33424752 // 'RGB3'
	fourccBGR3 uint32 = 0x33524742 // 'BGR3'
)

// V4L2 コントロールID
const (
	cidAutoWhiteBalance uint32 = 0x0098090c
	cidRedBalance       uint32 = 0x0098090e
	cidBlueBalance      uint32 = 0x0098090f
	cidAutoGain         uint32 = 0x00980912
	cidGain             uint32 = 0x00980913
	cidExposureAuto     uint32 = 0x009a0901
	cidExposureAbsolute uint32 = 0x009a0902
)

// V4L2_EXPOSURE_APERTURE_PRIORITY
const exposureAperturePriority int32 = 3

// formatPreference は取得に使うフォーマットの優先順
var formatPreference = []uint32{fourccYUYV, fourccGREY, fourccRGB3, fourccBGR3}

type formatInfo struct {
	format        driver.PixelFormat
	bytesPerPixel uint32
}

var formats = map[uint32]formatInfo{
	fourccYUYV: {format: driver.PixelYUYV, bytesPerPixel: 2},
	fourccGREY: {format: driver.PixelMono8, bytesPerPixel: 1},
	fourccRGB3: {format: driver.PixelRGB24, bytesPerPixel: 3},
	fourccBGR3: {format: driver.PixelBGR24, bytesPerPixel: 3},
}

// chooseFormat は対応フォーマットの中から優先順位の最も高いものを返す
func chooseFormat(supported map[uint32]bool) (uint32, bool) {
	for _, f := range formatPreference {
		if supported[f] {
			return f, true
		}
	}
	return 0, false
}

// frameSize はデバイスが報告するフレームサイズの上限
type frameSize struct {
	Width  uint32
	Height uint32
}

// largestSize は画素数が最大のサイズを返す
func largestSize(sizes []frameSize) (frameSize, bool) {
	var best frameSize
	for _, s := range sizes {
		if uint64(s.Width)*uint64(s.Height) > uint64(best.Width)*uint64(best.Height) {
			best = s
		}
	}
	return best, best.Width > 0 && best.Height > 0
}

// controlFor は数値属性に対応するコントロールIDを返す
func controlFor(attr string) (uint32, bool) {
	switch attr {
	case driver.AttrExposureValue:
		return cidExposureAbsolute, true
	case driver.AttrGainValue:
		return cidGain, true
	case driver.AttrWhitebalValueRed:
		return cidRedBalance, true
	case driver.AttrWhitebalValueBlue:
		return cidBlueBalance, true
	}
	return 0, false
}

// autoControlFor は自動調整の列挙属性に対応するコントロールIDと Auto 時の値を返す
func autoControlFor(attr string) (uint32, int32, bool) {
	switch attr {
	case driver.AttrExposureMode:
		return cidExposureAuto, exposureAperturePriority, true
	case driver.AttrGainMode:
		return cidAutoGain, 1, true
	case driver.AttrWhitebalMode:
		return cidAutoWhiteBalance, 1, true
	}
	return 0, 0, false
}

// pacer は固定レートを読み出しフレームの間引きで再現する
type pacer struct {
	intervalNanos int64
	last          int64
	primed        bool
}

// setRate はフレームレートを設定する。0以下なら間引かない
func (p *pacer) setRate(fps float32) {
	if fps <= 0 {
		p.intervalNanos = 0
		return
	}
	p.intervalNanos = int64(1e9 / float64(fps))
}

// admit は now (ns) のフレームを届けるべきかを返す
func (p *pacer) admit(now int64) bool {
	if p.intervalNanos == 0 || !p.primed {
		p.primed = true
		p.last = now
		return true
	}
	if now-p.last < p.intervalNanos {
		return false
	}
	// 位相を保ったまま次の予定時刻へ進める
	p.last += p.intervalNanos * ((now - p.last) / p.intervalNanos)
	return true
}

// rateMeter は1秒ごとに完了フレーム数から取得レートを計算する
type rateMeter struct {
	since int64
	count uint32
	rate  float32
}

func (r *rateMeter) observe(completed uint32, now int64) {
	if r.since == 0 {
		r.since = now
		r.count = completed
		return
	}
	elapsed := now - r.since
	if elapsed < 1e9 {
		return
	}
	r.rate = float32(float64(completed-r.count) * 1e9 / float64(elapsed))
	r.since = now
	r.count = completed
}
