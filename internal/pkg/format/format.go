package format

import (
	"fmt"
	"strings"
)

// Percent 格式化比例值：0.0125 -> "1.25%"，尾零裁剪。
func Percent(val float64) string {
	if val == 0 {
		return "0%"
	}
	out := fmt.Sprintf("%.2f", val*100)
	out = strings.TrimRight(strings.TrimRight(out, "0"), ".")
	return out + "%"
}

// Float 裁剪尾零的小数格式化。
func Float(val float64, decimals int) string {
	if decimals < 0 {
		decimals = 4
	}
	out := fmt.Sprintf("%.*f", decimals, val)
	out = strings.TrimRight(strings.TrimRight(out, "0"), ".")
	if out == "" || out == "-" {
		return "0"
	}
	return out
}

// Hours 把小时数格式化为 "32h" / "3.5h" 形式。
func Hours(h float64) string {
	if h <= 0 {
		return "0h"
	}
	return Float(h, 1) + "h"
}
