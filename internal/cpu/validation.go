package cpu

import "github.com/chewxy/math32"

type NaNInfo struct {
	Count     int
	Positions []int
	HasInf    bool
	InfCount  int
}

func (n *NaNInfo) HasNaN() bool {
	return n.Count > 0
}

func (n *NaNInfo) IsValid() bool {
	return n.Count == 0 && !n.HasInf
}

func CheckNumericalStability(data []float32) (nanCount, infCount int) {
	for _, v := range data {
		if math32.IsNaN(v) {
			nanCount++
		}
		if math32.IsInf(v, 0) {
			infCount++
		}
	}
	return
}

// DetectNaN scans data and keeps up to maxPositions NaN indices.
func DetectNaN(data []float32, maxPositions int) *NaNInfo {
	info := &NaNInfo{}
	for i, v := range data {
		if math32.IsNaN(v) {
			info.Count++
			if len(info.Positions) < maxPositions {
				info.Positions = append(info.Positions, i)
			}
		}
		if math32.IsInf(v, 0) {
			info.HasInf = true
			info.InfCount++
		}
	}
	return info
}
