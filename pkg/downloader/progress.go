package downloader

import (
	"context"
	"fmt"
	"strconv"
)

type progressWriter struct {
	ctx            context.Context
	fileName       string
	total          int64
	fileNo         int
	totalFiles     int
	written        int64
	downloadStatus ProgressFunc
}

func (pw *progressWriter) Write(p []byte) (int, error) {
	select {
	case <-pw.ctx.Done():
		return 0, pw.ctx.Err()
	default:
	}

	pw.written += int64(len(p))

	if pw.total <= 0 {
		pw.downloadStatus(pw.fileName, formatBytes(pw.written), "", 0)
		return len(p), nil
	}

	percentage := float64(pw.written) / float64(pw.total) * 100
	if pw.totalFiles > 1 {
		// scale to the whole snapshot, assuming the previous files are done
		percentage = percentage/float64(pw.totalFiles) + float64(pw.fileNo)*100/float64(pw.totalFiles)
	}
	pw.downloadStatus(pw.fileName, formatBytes(pw.written), formatBytes(pw.total), percentage)
	return len(p), nil
}

func formatBytes(bytes int64) string {
	const unit = 1024
	if bytes < unit {
		return strconv.FormatInt(bytes, 10) + " B"
	}
	div, exp := int64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(bytes)/float64(div), "KMGTPE"[exp])
}
