package analysis

import (
	"image"
	"math"

	"github.com/faanross/simulacra_png/internal/stego"
)

// Report summarizes the LSB plane and color balance of an image
type Report struct {
	Width, Height int
	Zeros, Ones   int     // LSB counts across R, G and B
	ZeroRatio     float64 // percentage of LSBs that are 0
	Entropy       float64 // Shannon entropy of LSB bytes, bits per byte (max 8)
	MeanR         float64
	MeanG         float64
	MeanB         float64
}

// Analyze builds a Report for img. It is a diagnostic only and says
// nothing reliable about whether a payload is present.
func Analyze(img image.Image) Report {
	nrgba := stego.Normalize(img)
	bounds := nrgba.Bounds()

	report := Report{Width: bounds.Dx(), Height: bounds.Dy()}

	// Pack LSBs into bytes, in stream order
	frequency := make(map[byte]int)
	var buffer byte
	bitCount := 0
	bytesSeen := 0

	for bit := range stego.LSBs(nrgba) {
		if bit == 0 {
			report.Zeros++
		} else {
			report.Ones++
		}

		buffer = buffer<<1 | bit
		bitCount++
		if bitCount == 8 {
			frequency[buffer]++
			bytesSeen++
			buffer = 0
			bitCount = 0
		}
	}

	if total := report.Zeros + report.Ones; total > 0 {
		report.ZeroRatio = float64(report.Zeros) / float64(total) * 100
	}

	for _, count := range frequency {
		p := float64(count) / float64(bytesSeen)
		report.Entropy -= p * math.Log2(p)
	}

	// Color channel means
	pixels := bounds.Dx() * bounds.Dy()
	if pixels > 0 {
		var rSum, gSum, bSum int64
		for i := 0; i < len(nrgba.Pix); i += 4 {
			rSum += int64(nrgba.Pix[i])
			gSum += int64(nrgba.Pix[i+1])
			bSum += int64(nrgba.Pix[i+2])
		}
		report.MeanR = float64(rSum) / float64(pixels)
		report.MeanG = float64(gSum) / float64(pixels)
		report.MeanB = float64(bSum) / float64(pixels)
	}

	return report
}

// LooksEncrypted reports whether the LSB plane is balanced like random data
func (r Report) LooksEncrypted() bool {
	return r.ZeroRatio > 45 && r.ZeroRatio < 55
}

// UniformColor reports whether the channel means sit close together, which
// is typical of a synthetic noise cover
func (r Report) UniformColor() bool {
	diff := math.Abs(r.MeanR-r.MeanG) + math.Abs(r.MeanG-r.MeanB) + math.Abs(r.MeanB-r.MeanR)
	return diff < 30
}
