// Package encoder 完了フレームを画像ファイルとして書き出す
package encoder

import (
	"bufio"
	"errors"
	"fmt"
	"image"
	"os"

	"golang.org/x/image/tiff"

	"otcsnap/internal/driver"
)

// Encoder はフレームを path に書き出す
type Encoder interface {
	Encode(path string, f *driver.Frame) error
	// Ext は書き出すファイルの拡張子（ドットなし）を返す
	Ext() string
}

// ErrShortBuffer はフレームのデータが画像サイズに満たないことを示す
var ErrShortBuffer = errors.New("フレームのデータが画像サイズに足りません")

// TIFF はTIFF形式で書き出すEncoder
type TIFF struct {
	Compression tiff.CompressionType
}

// NewTIFF は無圧縮で書き出すTIFFを作成する
func NewTIFF() *TIFF {
	return &TIFF{Compression: tiff.Uncompressed}
}

func (e *TIFF) Ext() string {
	return "tiff"
}

// Encode はフレームをTIFFで書き出す
// 途中で失敗した場合は書きかけのファイルを削除する
func (e *TIFF) Encode(path string, f *driver.Frame) (err error) {
	img, err := ToImage(f)
	if err != nil {
		return err
	}

	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("画像ファイルの作成に失敗: %w", err)
	}
	defer func() {
		if cerr := file.Close(); cerr != nil && err == nil {
			err = fmt.Errorf("画像ファイルのクローズに失敗: %w", cerr)
		}
		if err != nil {
			_ = os.Remove(path)
		}
	}()

	w := bufio.NewWriter(file)
	if err := tiff.Encode(w, img, &tiff.Options{Compression: e.Compression}); err != nil {
		return fmt.Errorf("TIFFエンコードに失敗: %w", err)
	}
	if err := w.Flush(); err != nil {
		return fmt.Errorf("画像ファイルの書き込みに失敗: %w", err)
	}
	return nil
}

// ToImage はフレームのデータを image.Image に変換する
func ToImage(f *driver.Frame) (image.Image, error) {
	w, h := int(f.Width), int(f.Height)
	if w <= 0 || h <= 0 {
		return nil, fmt.Errorf("画像サイズが不正です: %dx%d", w, h)
	}
	data := f.Data()
	rect := image.Rect(0, 0, w, h)

	need := func(bpp int) error {
		if len(data) < w*h*bpp {
			return fmt.Errorf("%w: %d < %d", ErrShortBuffer, len(data), w*h*bpp)
		}
		return nil
	}

	switch f.Format {
	case driver.PixelMono8, driver.PixelBayer8:
		if err := need(1); err != nil {
			return nil, err
		}
		return &image.Gray{Pix: data[:w*h], Stride: w, Rect: rect}, nil

	case driver.PixelMono16:
		if err := need(2); err != nil {
			return nil, err
		}
		img := image.NewGray16(rect)
		for i := 0; i < w*h; i++ {
			// ドライバーはリトルエンディアン、image.Gray16 はビッグエンディアン
			img.Pix[2*i] = data[2*i+1]
			img.Pix[2*i+1] = data[2*i]
		}
		return img, nil

	case driver.PixelRGB24, driver.PixelBGR24:
		if err := need(3); err != nil {
			return nil, err
		}
		img := image.NewNRGBA(rect)
		for i := 0; i < w*h; i++ {
			r, g, b := data[3*i], data[3*i+1], data[3*i+2]
			if f.Format == driver.PixelBGR24 {
				r, b = b, r
			}
			img.Pix[4*i] = r
			img.Pix[4*i+1] = g
			img.Pix[4*i+2] = b
			img.Pix[4*i+3] = 0xff
		}
		return img, nil

	case driver.PixelYUYV:
		if w%2 != 0 {
			return nil, fmt.Errorf("YUYVの画像幅は偶数である必要があります: %d", w)
		}
		if err := need(2); err != nil {
			return nil, err
		}
		img := image.NewYCbCr(rect, image.YCbCrSubsampleRatio422)
		for y := 0; y < h; y++ {
			for p := 0; p < w/2; p++ {
				base := y*w*2 + p*4
				img.Y[y*img.YStride+2*p] = data[base]
				img.Y[y*img.YStride+2*p+1] = data[base+2]
				img.Cb[y*img.CStride+p] = data[base+1]
				img.Cr[y*img.CStride+p] = data[base+3]
			}
		}
		return img, nil
	}

	return nil, fmt.Errorf("未対応の画素フォーマットです: %s", f.Format)
}
