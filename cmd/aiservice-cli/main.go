package main

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/junbin-yang/aiservice-go/pkg/display"
	"github.com/junbin-yang/aiservice-go/pkg/frame"
	"github.com/junbin-yang/aiservice-go/pkg/protocol"
	"github.com/junbin-yang/aiservice-go/pkg/session"
	"github.com/junbin-yang/aiservice-go/pkg/utils/config"
	log "github.com/junbin-yang/aiservice-go/pkg/utils/logger"
)

var flagConfig = &cli.StringFlag{
	Name:    "config",
	Aliases: []string{"c"},
	Usage:   "配置文件路径，为空时查找 <程序目录>/aiservice.yml 和 /etc/aiservice.yml",
}

var flagLevel = &cli.StringFlag{
	Name:  "level",
	Usage: "日志级别 (debug|info|warn|error)，覆盖配置文件",
}

var flagTime = &cli.Int64Flag{
	Name:  "time",
	Usage: "签名使用的毫秒时间戳，为0时使用当前时间",
}

func loadConfig(cCtx *cli.Context) (*config.Config, error) {
	var (
		conf *config.Config
		err  error
	)
	if path := cCtx.String(flagConfig.Name); path != "" {
		conf, err = config.Load(path)
	} else {
		conf, err = config.Parse()
	}
	if err != nil {
		return nil, err
	}
	if level := cCtx.String(flagLevel.Name); level != "" {
		conf.Logger.Level = level
	}
	if err := conf.InitLogger(); err != nil {
		return nil, err
	}
	return conf, nil
}

func main() {
	app := &cli.App{
		Name:           config.APPNAME,
		Usage:          "云端AI助手设备客户端",
		Version:        config.Version(),
		DefaultCommand: "run",
		Flags:          []cli.Flag{flagConfig, flagLevel},
		Commands: []*cli.Command{
			{
				Name:   "run",
				Usage:  "连接服务端，从标准输入读取文本并发送",
				Action: runAction,
			},
			{
				Name:  "topics",
				Usage: "打印当前设备使用的主题",
				Action: func(cCtx *cli.Context) error {
					conf, err := loadConfig(cCtx)
					if err != nil {
						return err
					}
					id, err := conf.Identity(nil)
					if err != nil {
						return err
					}
					t := protocol.NewTopics(id)
					fmt.Printf("connect:    %s\n", t.Connect)
					fmt.Printf("request:    %s\n", t.Request)
					fmt.Printf("response:   %s\n", t.Response)
					fmt.Printf("disconnect: %s\n", t.Disconnect)
					return nil
				},
			},
			{
				Name:  "sign",
				Usage: "打印上线签名的规范字符串和签名值",
				Flags: []cli.Flag{flagTime},
				Action: func(cCtx *cli.Context) error {
					conf, err := loadConfig(cCtx)
					if err != nil {
						return err
					}
					id, err := conf.Identity(nil)
					if err != nil {
						return err
					}
					ts := protocol.Timestamp(time.Now())
					if ms := cCtx.Int64(flagTime.Name); ms > 0 {
						ts = strconv.FormatInt(ms, 10)
					}
					canonical := protocol.CanonicalString(ts, id)
					sign, err := protocol.Sign([]byte(id.AppKey), []byte(canonical))
					if err != nil {
						return err
					}
					fmt.Printf("appTime:   %s\n", ts)
					fmt.Printf("canonical: %s\n", canonical)
					fmt.Printf("sign:      %s\n", sign)
					return nil
				},
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "错误: %v\n", err)
		os.Exit(1)
	}
}

func runAction(cCtx *cli.Context) error {
	conf, err := loadConfig(cCtx)
	if err != nil {
		return err
	}
	defer log.Sync()

	sink := display.Multi{display.NewWriterSink(os.Stdout), display.LogSink{}}
	if err := frame.InitAIServiceServer(conf, sink); err != nil {
		return fmt.Errorf("初始化失败: %w", err)
	}
	defer frame.DeinitAIServiceServer()

	client := frame.GetClient()

	// 设置信号处理
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	lines := make(chan string)
	go readLines(os.Stdin, lines)

	fmt.Println("\n===========================================")
	fmt.Println("    云端AI助手 (交互模式)")
	fmt.Printf("    设备ID: %s\n", client.DeviceID())
	fmt.Println("===========================================")
	fmt.Println("\n输入 'help' 查看可用命令")

	for {
		select {
		case <-sigCh:
			fmt.Println("\n收到中断信号，正在关闭...")
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			if quit := handleLine(client, os.Stdout, line); quit {
				return nil
			}
		}
	}
}

func readLines(r io.Reader, out chan<- string) {
	defer close(out)
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		out <- scanner.Text()
	}
}

// Sender 交互模式依赖的会话能力
type Sender interface {
	Send(text string) error
	State() session.State
	ConnectionID() string
}

// handleLine 处理一行输入，返回是否退出
func handleLine(s Sender, w io.Writer, line string) bool {
	line = strings.TrimSpace(line)
	switch line {
	case "":
		return false
	case "help", "h":
		fmt.Fprintln(w, "\n可用命令:")
		fmt.Fprintln(w, "  help, h          - 显示此帮助")
		fmt.Fprintln(w, "  status           - 显示会话状态")
		fmt.Fprintln(w, "  exit, quit, q    - 退出程序")
		fmt.Fprintln(w, "  <其他文本>       - 作为用户输入发送")
		fmt.Fprintln(w)
	case "status":
		fmt.Fprintf(w, "状态: %s, 连接: %s\n", s.State(), s.ConnectionID())
	case "exit", "quit", "q":
		fmt.Fprintln(w, "再见！")
		return true
	default:
		if err := s.Send(line); err != nil {
			fmt.Fprintf(w, "错误: %v\n", err)
		}
	}
	return false
}
