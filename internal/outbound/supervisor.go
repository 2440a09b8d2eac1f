package outbound

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"time"

	"github.com/charging-platform/ocpp-proxy/internal/backend"
	"github.com/charging-platform/ocpp-proxy/internal/config"
	"github.com/charging-platform/ocpp-proxy/internal/logger"
)

// 重连退避参数：1s起步倍增至60s封顶，±20%抖动
const (
	backoffInitial = time.Second
	backoffMax     = 60 * time.Second
	backoffJitter  = 0.2
)

// Supervisor 出站OCPP客户端监督者。每个启用的服务一条
// 长连接，断开后退避重连，连接期间注册为普通后端。
type Supervisor struct {
	services       []config.ServiceConfig
	defaultVersion string
	registry       *backend.Registry
	arbiter        Arbiter
	log            *logger.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	states map[string]backend.State
}

// NewSupervisor 创建出站客户端监督者
func NewSupervisor(services []config.ServiceConfig, defaultVersion string, registry *backend.Registry, arbiter Arbiter, log *logger.Logger) *Supervisor {
	return &Supervisor{
		services:       services,
		defaultVersion: defaultVersion,
		registry:       registry,
		arbiter:        arbiter,
		log:            log,
		states:         make(map[string]backend.State),
	}
}

// Start 为每个启用的服务启动连接循环
func (s *Supervisor) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	for _, svc := range s.services {
		if !svc.Enabled {
			continue
		}
		s.wg.Add(1)
		go s.supervise(ctx, svc)
	}
}

// Stop 关闭所有出站连接并等待循环退出
func (s *Supervisor) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
}

// Snapshot 未在册服务的连接状态（在册的以注册表为准）
func (s *Supervisor) Snapshot() []backend.Info {
	s.mu.Lock()
	defer s.mu.Unlock()
	var infos []backend.Info
	for id, state := range s.states {
		if s.registry.Has(id) {
			continue
		}
		infos = append(infos, backend.Info{ID: id, Kind: backend.KindOutbound, State: state})
	}
	return infos
}

func (s *Supervisor) setState(id string, state backend.State) {
	s.mu.Lock()
	s.states[id] = state
	s.mu.Unlock()
}

// supervise 单个服务的连接循环
func (s *Supervisor) supervise(ctx context.Context, svc config.ServiceConfig) {
	defer s.wg.Done()

	cl, err := newClient(svc, s.defaultVersion, s.registry, s.arbiter, s.log)
	if err != nil {
		s.log.Errorf("service %s misconfigured: %v", svc.ID, err)
		s.setState(svc.ID, backend.StateFailed)
		return
	}

	backoff := backoffInitial
	for {
		s.setState(svc.ID, backend.StateConnecting)
		conn, err := cl.dial(ctx)
		if err != nil {
			s.log.Warnf("connect %s: %v", svc.ID, err)
			s.setState(svc.ID, backend.StateFailed)
			if !s.sleep(ctx, jittered(backoff)) {
				return
			}
			backoff = nextBackoff(backoff)
			continue
		}

		if err := s.registry.Register(svc.ID, backend.KindOutbound, cl); err != nil {
			s.log.Errorf("register %s: %v", svc.ID, err)
			conn.Close()
			if errors.Is(err, backend.ErrDuplicateID) {
				s.setState(svc.ID, backend.StateFailed)
				return
			}
			if !s.sleep(ctx, jittered(backoff)) {
				return
			}
			backoff = nextBackoff(backoff)
			continue
		}

		s.setState(svc.ID, backend.StateConnected)
		s.log.Infof("service %s connected (%s)", svc.ID, cl.version)
		backoff = backoffInitial

		err = cl.serve(ctx, conn)
		// 注销触发正常的锁释放路径
		s.registry.Unregister(svc.ID)
		s.setState(svc.ID, backend.StateDisconnected)
		if ctx.Err() != nil {
			return
		}
		s.log.Warnf("service %s disconnected: %v", svc.ID, err)

		if !s.sleep(ctx, jittered(backoff)) {
			return
		}
		backoff = nextBackoff(backoff)
	}
}

func (s *Supervisor) sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}

func nextBackoff(current time.Duration) time.Duration {
	next := current * 2
	if next > backoffMax {
		next = backoffMax
	}
	return next
}

// jittered 施加±20%随机抖动
func jittered(d time.Duration) time.Duration {
	factor := 1 + backoffJitter*(2*rand.Float64()-1)
	return time.Duration(float64(d) * factor)
}
