package crash

import (
	"fmt"
	"os"
	"runtime"
	"runtime/debug"
	"time"

	"ephemeral-bot/internal/logger"
)

// PanicError is returned by Run when the wrapped function panicked.
type PanicError struct {
	Module string
	Value  interface{}
	Stack  []byte
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("panic in %s: %v", e.Module, e.Value)
}

// RecoverWithStack 是一个通用的 panic 恢复函数，会记录详细的堆栈信息
func RecoverWithStack(moduleName string) {
	if r := recover(); r != nil {
		report(moduleName, r, debug.Stack(), false)
	}
}

// RecoverWithStackAndExit 用于主程序的 panic 恢复，会记录信息后退出
func RecoverWithStackAndExit(moduleName string) {
	if r := recover(); r != nil {
		report(moduleName, r, debug.Stack(), true)

		// 给日志系统一些时间写入文件
		time.Sleep(1 * time.Second)
		os.Exit(1)
	}
}

// SafeGoroutine 启动一个带有 panic 恢复的 goroutine
func SafeGoroutine(name string, fn func()) {
	go func() {
		defer RecoverWithStack(fmt.Sprintf("goroutine-%s", name))
		fn()
	}()
}

// Run calls fn on the current goroutine and turns a panic into a *PanicError,
// so one failing job iteration or timer callback never takes the process down.
func Run(name string, fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			stack := debug.Stack()
			report(name, r, stack, false)
			err = &PanicError{Module: name, Value: r, Stack: stack}
		}
	}()
	return fn()
}

func report(moduleName string, r interface{}, stack []byte, fatal bool) {
	prefix := "PANIC"
	if fatal {
		prefix = "FATAL PANIC"
	}

	logger.Errorf("%s in %s: %v", prefix, moduleName, r)
	logger.Errorf("Stack trace:\n%s", string(stack))

	// 同时输出到标准错误，确保在容器日志中能看到
	fmt.Fprintf(os.Stderr, "[%s] %s - %s: %v\n", prefix, time.Now().Format("2006-01-02 15:04:05"), moduleName, r)

	if fatal {
		logRuntimeInfo()
	}
}

// logRuntimeInfo 记录运行时信息，帮助调试
func logRuntimeInfo() {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	logger.Errorf("runtime: go=%s cpus=%d goroutines=%d heap_alloc=%dKB heap_inuse=%dKB num_gc=%d",
		runtime.Version(),
		runtime.NumCPU(),
		runtime.NumGoroutine(),
		m.HeapAlloc/1024,
		m.HeapInuse/1024,
		m.NumGC,
	)
}

// SetupCrashHandler 设置全局的崩溃处理器
func SetupCrashHandler() {
	debug.SetPanicOnFault(true)
}
