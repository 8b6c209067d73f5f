package filewatcher

import (
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/Tjy5/pdf-exam-question-extractor/app/config"
	"github.com/Tjy5/pdf-exam-question-extractor/app/logger"
	"github.com/fsnotify/fsnotify"
)

// 写入防抖：收到最后一次写事件后等这么久再接收，避免读到半个文件
const settleDelay = 2 * time.Second

// IngestFunc 接收一个投递的PDF文件路径
type IngestFunc func(path string) error

// Watcher 监控投递目录，PDF落盘后自动接收为任务
type Watcher struct {
	cfg     *config.Config
	log     *logger.Logger
	ingest  IngestFunc
	watcher *fsnotify.Watcher
	stopCh  chan struct{}
	wg      sync.WaitGroup

	mu      sync.Mutex
	pending map[string]*time.Timer
	started bool
}

// New 创建文件监控器
func New(cfg *config.Config, log *logger.Logger, ingest IngestFunc) *Watcher {
	return &Watcher{
		cfg:     cfg,
		log:     log,
		ingest:  ingest,
		stopCh:  make(chan struct{}),
		pending: make(map[string]*time.Timer),
	}
}

// Start 开始监控投递目录
func (w *Watcher) Start() error {
	if !w.cfg.Watcher.Enabled {
		w.log.Info("文件监控已禁用")
		return nil
	}

	dir := w.cfg.Paths.InboxDir
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return err
	}
	w.watcher = watcher
	w.started = true

	w.wg.Add(1)
	go w.watchLoop()

	// 启动时把目录里已有的PDF也补收一遍
	w.wg.Add(1)
	go w.processExistingFiles(dir)

	w.log.Infof("文件监控已启动: %s", dir)
	return nil
}

// watchLoop 处理文件系统事件
func (w *Watcher) watchLoop() {
	defer w.wg.Done()

	for {
		select {
		case <-w.stopCh:
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Create|fsnotify.Write) == 0 {
				continue
			}
			if !isPDF(event.Name) {
				continue
			}
			w.scheduleIngest(event.Name)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.log.Errorf("文件监控出错: %v", err)
		}
	}
}

// scheduleIngest 防抖后接收文件，持续写入会不断推迟
func (w *Watcher) scheduleIngest(path string) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if timer, ok := w.pending[path]; ok {
		timer.Reset(settleDelay)
		return
	}
	w.pending[path] = time.AfterFunc(settleDelay, func() {
		w.mu.Lock()
		delete(w.pending, path)
		w.mu.Unlock()

		select {
		case <-w.stopCh:
			return
		default:
		}
		w.ingestFile(path)
	})
}

// processExistingFiles 延迟扫描已存在的文件，避开启动竞争
func (w *Watcher) processExistingFiles(dir string) {
	defer w.wg.Done()

	select {
	case <-w.stopCh:
		return
	case <-time.After(time.Second):
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		w.log.Errorf("扫描投递目录失败: %v", err)
		return
	}
	for _, entry := range entries {
		if entry.IsDir() || !isPDF(entry.Name()) {
			continue
		}
		w.ingestFile(filepath.Join(dir, entry.Name()))
	}
}

// ingestFile 接收单个PDF文件
func (w *Watcher) ingestFile(path string) {
	if _, err := os.Stat(path); err != nil {
		return
	}
	w.log.Infof("检测到新PDF: %s", filepath.Base(path))
	if err := w.ingest(path); err != nil {
		w.log.Errorf("接收PDF失败 %s: %v", filepath.Base(path), err)
	}
}

// Stop 停止监控并等待退出
func (w *Watcher) Stop() {
	if !w.started {
		return
	}
	close(w.stopCh)

	w.mu.Lock()
	for path, timer := range w.pending {
		timer.Stop()
		delete(w.pending, path)
	}
	w.mu.Unlock()

	if w.watcher != nil {
		w.watcher.Close()
	}
	w.wg.Wait()
	w.log.Info("文件监控已停止")
}

func isPDF(name string) bool {
	return strings.EqualFold(filepath.Ext(name), ".pdf")
}
