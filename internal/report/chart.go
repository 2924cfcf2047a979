package report

import (
	"fmt"
	"io"
	"time"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/opts"

	"strata/internal/ledger"
)

// RenderPositionChart 输出持仓成交历史的 HTML 图表：
// 成交价折线叠加当前均价参考线，买卖点分色标注。
func RenderPositionChart(w io.Writer, pos ledger.Position) error {
	line := charts.NewLine()
	line.SetGlobalOptions(
		charts.WithTitleOpts(opts.Title{
			Title:    fmt.Sprintf("%s 持仓轨迹", pos.Asset),
			Subtitle: fmt.Sprintf("数量 %.6f / 均价 %.6f / 总成本 %.4f", pos.Quantity, pos.AverageCost, pos.TotalCost),
		}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true), Trigger: "axis"}),
		charts.WithXAxisOpts(opts.XAxis{Name: "时间"}),
		charts.WithYAxisOpts(opts.YAxis{Name: "价格", Scale: opts.Bool(true)}),
	)

	var (
		axis      []string
		buyPrices []opts.LineData
		sellPts   []opts.LineData
		avgLine   []opts.LineData
	)
	for _, f := range pos.Fills {
		axis = append(axis, f.Timestamp.Format(time.DateTime))
		if f.Side == ledger.SideBuy {
			buyPrices = append(buyPrices, opts.LineData{Value: f.Price})
			sellPts = append(sellPts, opts.LineData{Value: nil})
		} else {
			buyPrices = append(buyPrices, opts.LineData{Value: nil})
			sellPts = append(sellPts, opts.LineData{Value: f.Price})
		}
		avgLine = append(avgLine, opts.LineData{Value: pos.AverageCost})
	}

	line.SetXAxis(axis).
		AddSeries("买入", buyPrices, charts.WithLineChartOpts(opts.LineChart{ShowSymbol: opts.Bool(true)})).
		AddSeries("卖出", sellPts, charts.WithLineChartOpts(opts.LineChart{ShowSymbol: opts.Bool(true)})).
		AddSeries("当前均价", avgLine, charts.WithLineStyleOpts(opts.LineStyle{Type: "dashed"}))

	return line.Render(w)
}
