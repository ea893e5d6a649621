package logger

import (
	"context"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"
	gnet "github.com/shirou/gopsutil/v3/net"

	"github.com/aws/aws-sdk-go-v2/aws"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"
)

type channelStat struct {
	messages int64
	bytes    int64
}

var (
	errorsSession  int64
	errorsRest     int64
	warnsSession   int64
	warnsRest      int64
	streamReads    int64
	eventsEmitted  int64
	reconnects     int64
	ordersSent     int64
	orderRejects   int64
	parseErrors    int64
	droppedFrames  int64
	channels       sync.Map // map[string]*channelStat
)

func recordWarn(component string) {
	if strings.Contains(component, "session") || strings.Contains(component, "ws") {
		atomic.AddInt64(&warnsSession, 1)
	} else if strings.Contains(component, "rest") {
		atomic.AddInt64(&warnsRest, 1)
	}
}

func recordError(component string) {
	if strings.Contains(component, "session") || strings.Contains(component, "ws") {
		atomic.AddInt64(&errorsSession, 1)
	} else if strings.Contains(component, "rest") {
		atomic.AddInt64(&errorsRest, 1)
	}
}

func IncrementStreamRead(size int) {
	atomic.AddInt64(&streamReads, 1)
	recordChannel("ws_stream", size)
}

func IncrementEventEmitted() {
	atomic.AddInt64(&eventsEmitted, 1)
}

func IncrementReconnect() {
	atomic.AddInt64(&reconnects, 1)
}

func IncrementOrderSent() {
	atomic.AddInt64(&ordersSent, 1)
}

func IncrementOrderReject() {
	atomic.AddInt64(&orderRejects, 1)
}

func IncrementParseError() {
	atomic.AddInt64(&parseErrors, 1)
}

func IncrementDroppedFrame() {
	atomic.AddInt64(&droppedFrames, 1)
}

func RecordChannelMessage(name string, size int) {
	recordChannel(name, size)
}

func recordChannel(name string, size int) {
	v, _ := channels.LoadOrStore(name, &channelStat{})
	cs := v.(*channelStat)
	atomic.AddInt64(&cs.messages, 1)
	atomic.AddInt64(&cs.bytes, int64(size))
}

func startReport(ctx context.Context, log *Log, interval time.Duration) {
	ticker := time.NewTicker(interval)
	go func() {
		for {
			select {
			case <-ctx.Done():
				ticker.Stop()
				return
			case <-ticker.C:
				logReport(ctx, log)
			}
		}
	}()
}

// StartReport begins periodic logging of system and session statistics.
// It exposes the internal startReport function for use by other packages.
func StartReport(ctx context.Context, log *Log, interval time.Duration) {
	startReport(ctx, log, interval)
}

func logReport(ctx context.Context, log *Log) {
	cpuPercent, _ := cpu.Percent(0, false)
	memStats, _ := mem.VirtualMemory()
	diskStats, _ := disk.Usage("/")
	netStats, _ := gnet.IOCounters(false)
	channelData := map[string]map[string]int64{}
	channels.Range(func(k, v any) bool {
		name := k.(string)
		cs := v.(*channelStat)
		channelData[name] = map[string]int64{
			"messages": atomic.LoadInt64(&cs.messages),
			"bytes":    atomic.LoadInt64(&cs.bytes),
		}
		return true
	})

	cpuPct := 0.0
	if len(cpuPercent) > 0 {
		cpuPct = cpuPercent[0]
	}

	bytesSent := uint64(0)
	bytesRecv := uint64(0)
	if len(netStats) > 0 {
		bytesSent = netStats[0].BytesSent
		bytesRecv = netStats[0].BytesRecv
	}

	fields := Fields{
		"errors_session": atomic.LoadInt64(&errorsSession),
		"errors_rest":    atomic.LoadInt64(&errorsRest),
		"warns_session":  atomic.LoadInt64(&warnsSession),
		"warns_rest":     atomic.LoadInt64(&warnsRest),
		"stream_reads":   atomic.LoadInt64(&streamReads),
		"events_emitted": atomic.LoadInt64(&eventsEmitted),
		"reconnects":     atomic.LoadInt64(&reconnects),
		"orders_sent":    atomic.LoadInt64(&ordersSent),
		"order_rejects":  atomic.LoadInt64(&orderRejects),
		"parse_errors":   atomic.LoadInt64(&parseErrors),
		"dropped_frames": atomic.LoadInt64(&droppedFrames),
		"goroutines":     runtime.NumGoroutine(),
		"cpu_percent":    cpuPct,
		"memory_mb":      int64(memStats.Used) / 1024 / 1024,
		"disk_mb":        int64(diskStats.Used) / 1024 / 1024,
		"channels":       channelData,
		"net_bytes_sent": int64(bytesSent),
		"net_bytes_recv": int64(bytesRecv),
	}

	log.WithComponent("report").WithFields(fields).Info("runtime report")

	var data []cwtypes.MetricDatum
	data = append(data,
		cwtypes.MetricDatum{MetricName: aws.String("CPUPercent"), Unit: cwtypes.StandardUnitPercent, Value: aws.Float64(cpuPct)},
		cwtypes.MetricDatum{MetricName: aws.String("MemoryMB"), Unit: cwtypes.StandardUnitMegabytes, Value: aws.Float64(float64(memStats.Used) / 1024 / 1024)},
		cwtypes.MetricDatum{MetricName: aws.String("ErrorsSession"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(fields["errors_session"].(int64)))},
		cwtypes.MetricDatum{MetricName: aws.String("ErrorsRest"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(fields["errors_rest"].(int64)))},
		cwtypes.MetricDatum{MetricName: aws.String("StreamReads"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(fields["stream_reads"].(int64)))},
		cwtypes.MetricDatum{MetricName: aws.String("EventsEmitted"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(fields["events_emitted"].(int64)))},
		cwtypes.MetricDatum{MetricName: aws.String("Reconnects"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(fields["reconnects"].(int64)))},
		cwtypes.MetricDatum{MetricName: aws.String("OrdersSent"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(fields["orders_sent"].(int64)))},
		cwtypes.MetricDatum{MetricName: aws.String("OrderRejects"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(fields["order_rejects"].(int64)))},
		cwtypes.MetricDatum{MetricName: aws.String("ParseErrors"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(fields["parse_errors"].(int64)))},
		cwtypes.MetricDatum{MetricName: aws.String("DroppedFrames"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(fields["dropped_frames"].(int64)))},
		cwtypes.MetricDatum{MetricName: aws.String("NetBytesSent"), Unit: cwtypes.StandardUnitBytes, Value: aws.Float64(float64(bytesSent))},
		cwtypes.MetricDatum{MetricName: aws.String("NetBytesRecv"), Unit: cwtypes.StandardUnitBytes, Value: aws.Float64(float64(bytesRecv))},
	)

	for name, stats := range channelData {
		data = append(data,
			cwtypes.MetricDatum{
				MetricName: aws.String("ChannelMessages"),
				Unit:       cwtypes.StandardUnitCount,
				Dimensions: []cwtypes.Dimension{{Name: aws.String("Channel"), Value: aws.String(name)}},
				Value:      aws.Float64(float64(stats["messages"])),
			},
			cwtypes.MetricDatum{
				MetricName: aws.String("ChannelBytes"),
				Unit:       cwtypes.StandardUnitBytes,
				Dimensions: []cwtypes.Dimension{{Name: aws.String("Channel"), Value: aws.String(name)}},
				Value:      aws.Float64(float64(stats["bytes"])),
			},
		)
	}

	publishMetrics(ctx, data)
}
