package frame

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/junbin-yang/aiservice-go/pkg/display"
	"github.com/junbin-yang/aiservice-go/pkg/httpapi"
	"github.com/junbin-yang/aiservice-go/pkg/session"
	"github.com/junbin-yang/aiservice-go/pkg/transport"
	"github.com/junbin-yang/aiservice-go/pkg/utils/config"
	log "github.com/junbin-yang/aiservice-go/pkg/utils/logger"
)

var (
	gIsInit bool
	gMutex  sync.Mutex
	gServer *server
)

const shutdownTimeout = 3 * time.Second

type server struct {
	client *session.Client
	http   *httpapi.Server
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewClient 按配置构建会话客户端（不发起连接）
func NewClient(conf *config.Config, sink display.Sink) (*session.Client, error) {
	id, err := conf.Identity(nil)
	if err != nil {
		return nil, fmt.Errorf("设备身份无效: %w", err)
	}

	link, err := transport.New(transport.Options{
		URL:                conf.Broker.Address,
		Proxy:              conf.Broker.Proxy,
		InsecureSkipVerify: conf.Broker.InsecureSkipVerify,
		HandshakeTimeout:   conf.Broker.HandshakeTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("创建传输层失败: %w", err)
	}

	return session.NewClient(id, link, sink, session.Options{
		Username:          conf.Broker.Username,
		Password:          conf.Broker.Password,
		PollTimeout:       conf.Session.PollTimeout,
		ReconnectInterval: conf.Session.ReconnectInterval,
		SendQueue:         conf.Session.SendQueue,
		Policy:            RequestPolicy(conf),
	})
}

// RequestPolicy 配置中的请求策略
func RequestPolicy(conf *config.Config) session.RequestPolicy {
	return session.RequestPolicy{
		Action:            conf.Request.Action,
		LaunchApp:         conf.Request.LaunchApp,
		AgentIndices:      conf.Request.AgentIndex,
		Params:            conf.Request.Params,
		CloudphonePkgCode: conf.Request.CloudphonePackageCode,
	}
}

// InitAIServiceServer 初始化并启动服务：会话运行循环及可选的本地控制接口
func InitAIServiceServer(conf *config.Config, sink display.Sink) error {
	gMutex.Lock()
	defer gMutex.Unlock()

	if gIsInit {
		return nil
	}

	log.Info("[Frame] 正在初始化服务...")

	// 1. 会话客户端
	client, err := NewClient(conf, sink)
	if err != nil {
		log.Errorf("[Frame] 会话初始化失败: %v", err)
		return err
	}
	log.Infof("[Frame] 设备ID: %s, 请求主题: %s", client.DeviceID(), client.Topics().Request)

	s := &server{client: client}

	// 2. 控制接口
	if conf.HTTP.Listen != "" {
		s.http, err = httpapi.NewServer(conf.HTTP.Listen, client)
		if err != nil {
			log.Errorf("[Frame] 控制接口初始化失败: %v", err)
			return fmt.Errorf("控制接口监听失败: %w", err)
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			if err := s.http.Serve(); err != nil {
				log.Errorf("[Frame] 控制接口异常退出: %v", err)
			}
		}()
	}

	// 3. 会话运行循环
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		client.Run(ctx)
	}()

	gServer = s
	gIsInit = true
	log.Info("[Frame] 服务初始化成功")
	return nil
}

// GetServerIsInit 获取服务初始化状态
func GetServerIsInit() bool {
	gMutex.Lock()
	defer gMutex.Unlock()
	return gIsInit
}

// GetClient 获取会话客户端，未初始化时返回nil
func GetClient() *session.Client {
	gMutex.Lock()
	defer gMutex.Unlock()
	if gServer == nil {
		return nil
	}
	return gServer.client
}

// DeinitAIServiceServer 停止服务并等待后台goroutine退出
func DeinitAIServiceServer() {
	gMutex.Lock()
	defer gMutex.Unlock()

	if !gIsInit {
		return
	}

	log.Info("[Frame] 正在关闭服务...")
	s := gServer
	if s.http != nil {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		if err := s.http.Shutdown(ctx); err != nil {
			log.Warnf("[Frame] 关闭控制接口失败: %v", err)
		}
		cancel()
	}
	s.cancel()
	s.wg.Wait()

	gServer = nil
	gIsInit = false
	log.Info("[Frame] 服务已关闭")
}
