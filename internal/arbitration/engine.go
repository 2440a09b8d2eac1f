package arbitration

import (
	"context"
	"errors"
	"time"

	"github.com/charging-platform/ocpp-proxy/internal/domain/commands"
	"github.com/charging-platform/ocpp-proxy/internal/domain/errcode"
	"github.com/charging-platform/ocpp-proxy/internal/domain/events"
	"github.com/charging-platform/ocpp-proxy/internal/logger"
	"github.com/charging-platform/ocpp-proxy/internal/metrics"
)

// LockState 控制锁状态
type LockState string

const (
	LockFree      LockState = "free"
	LockHeld      LockState = "held"
	LockSuspended LockState = "suspended"
)

// 空闲持锁自动释放的撤销原因
const ReasonIdleTimeout = "IdleTimeout"

// PresenceSource 在家状态来源
type PresenceSource interface {
	IsPresent(ctx context.Context) bool
}

// ControlNotifier 控制权变更通知下发
type ControlNotifier interface {
	SendControl(id, status, reason string)
}

// CommandSender 向充电桩发送命令。无在线充电桩时
// 应返回ChargerUnavailable错误。
type CommandSender func(ctx context.Context, cmd *commands.Command) (*commands.Result, error)

// Policy 仲裁策略，启动时加载后不可变
type Policy struct {
	AllowSharedCharging bool
	PreferredProvider   string
	RateLimitSeconds    int
	PresenceSensor      string
	AllowedProviders    []string
	DisallowedProviders []string
	IdleLockTimeout     time.Duration
	CommandTimeout      time.Duration
}

// DefaultPolicy 默认仲裁策略
func DefaultPolicy() Policy {
	return Policy{
		AllowSharedCharging: true,
		RateLimitSeconds:    10,
		IdleLockTimeout:     60 * time.Second,
		CommandTimeout:      31 * time.Second,
	}
}

// Status 控制锁快照
type Status struct {
	State     LockState  `json:"state"`
	Holder    string     `json:"holder,omitempty"`
	HeldSince *time.Time `json:"held_since,omitempty"`
	Override  bool       `json:"override"`
}

// inflightCmd 在途命令，撤销时按持有者取消
type inflightCmd struct {
	backend string
	cancel  context.CancelCauseFunc
}

// Engine 控制锁仲裁引擎。所有状态变更串行通过单个
// goroutine执行，跨后端操作因此天然原子。
type Engine struct {
	policy   Policy
	presence PresenceSource
	notifier ControlNotifier
	sender   CommandSender
	log      *logger.Logger

	ops  chan func()
	quit chan struct{}
	done chan struct{}

	// 以下字段仅由actor goroutine访问
	state        LockState
	holder       string
	heldSince    time.Time
	lastActivity time.Time
	generation   uint64
	override     bool
	presenceHome bool
	lastRequest  map[string]time.Time
	inflight     map[uint64]*inflightCmd
	nextInflight uint64
}

// NewEngine 创建仲裁引擎。presence可为nil（不启用在家门控）。
func NewEngine(policy Policy, presence PresenceSource, notifier ControlNotifier, sender CommandSender, log *logger.Logger) *Engine {
	return &Engine{
		policy:      policy,
		presence:    presence,
		notifier:    notifier,
		sender:      sender,
		log:         log,
		ops:         make(chan func(), 64),
		quit:        make(chan struct{}),
		done:        make(chan struct{}),
		state:       LockFree,
		lastRequest: make(map[string]time.Time),
		inflight:    make(map[uint64]*inflightCmd),
	}
}

// Start 启动actor goroutine与在家状态轮询
func (e *Engine) Start() {
	go e.run()
	if e.presence != nil && e.policy.PresenceSensor != "" {
		present := e.samplePresence()
		e.do(func() { e.presenceHome = present })
		go e.pollPresence()
	}
}

// Stop 停止actor goroutine
func (e *Engine) Stop() {
	close(e.quit)
	<-e.done
}

func (e *Engine) run() {
	defer close(e.done)
	for {
		select {
		case op := <-e.ops:
			op()
		case <-e.quit:
			return
		}
	}
}

// do 在actor内执行并等待完成
func (e *Engine) do(op func()) {
	sync := make(chan struct{})
	select {
	case e.ops <- func() { op(); close(sync) }:
		select {
		case <-sync:
		case <-e.done:
		}
	case <-e.done:
	}
}

// RequestControl 后端申请控制锁。返回nil表示已授予；
// 拒绝原因以errcode错误返回，同时向相关后端下发控制帧。
func (e *Engine) RequestControl(id string) error {
	var result error
	e.do(func() { result = e.handleRequest(id) })
	if result == nil {
		metrics.ControlRequests.WithLabelValues("granted").Inc()
	} else {
		metrics.ControlRequests.WithLabelValues(string(errcode.CodeOf(result))).Inc()
	}
	return result
}

// handleRequest 策略链，仅在actor内调用
func (e *Engine) handleRequest(id string) error {
	// 限速时钟在接受与拒绝时同样推进
	now := time.Now()
	last, seen := e.lastRequest[id]
	e.lastRequest[id] = now

	if e.override {
		return e.deny(id, errcode.New(errcode.UserOverride, "administrative override active"))
	}
	if e.state == LockSuspended {
		return e.deny(id, errcode.New(errcode.ChargerFaulted, "charger is faulted"))
	}
	if !e.policy.AllowSharedCharging && id != e.policy.PreferredProvider {
		return e.deny(id, errcode.New(errcode.ProviderNotAllowed, "shared charging disabled"))
	}
	if contains(e.policy.DisallowedProviders, id) {
		return e.deny(id, errcode.Newf(errcode.ProviderBlocked, "provider %s is blocked", id))
	}
	if len(e.policy.AllowedProviders) > 0 && !contains(e.policy.AllowedProviders, id) {
		return e.deny(id, errcode.Newf(errcode.ProviderNotAllowed, "provider %s is not whitelisted", id))
	}
	if seen && now.Sub(last) < time.Duration(e.policy.RateLimitSeconds)*time.Second {
		return e.deny(id, errcode.Newf(errcode.RateLimited, "retry after %ds", e.policy.RateLimitSeconds))
	}
	if e.presenceGateActive() && id != e.policy.PreferredProvider {
		return e.deny(id, errcode.New(errcode.PresenceBlocked, "user is home"))
	}

	if e.state == LockHeld && e.holder != id {
		// 首选供应商可抢占非首选持有者
		if id == e.policy.PreferredProvider && e.holder != e.policy.PreferredProvider {
			e.revoke(string(errcode.Preempted), errcode.New(errcode.Preempted, "preempted by preferred provider"))
		} else {
			return e.deny(id, errcode.Newf(errcode.AlreadyHeld, "lock held by %s", e.holder))
		}
	}

	e.grant(id)
	return nil
}

func (e *Engine) deny(id string, err error) error {
	e.notifier.SendControl(id, "denied", string(errcode.CodeOf(err)))
	return err
}

// grant 授予控制锁并启动空闲计时
func (e *Engine) grant(id string) {
	now := time.Now().UTC()
	if e.state != LockHeld || e.holder != id {
		e.heldSince = now
	}
	e.state = LockHeld
	e.holder = id
	e.lastActivity = now
	e.generation++
	e.scheduleIdleTimer(e.generation)
	e.log.Infof("control lock granted to %s", id)
	e.notifier.SendControl(id, "granted", "")
}

// revoke 撤销当前持有者并取消其在途命令
func (e *Engine) revoke(reason string, cause error) {
	if e.state != LockHeld {
		return
	}
	holder := e.holder
	e.state = LockFree
	e.holder = ""
	for token, cmd := range e.inflight {
		if cmd.backend == holder {
			cmd.cancel(cause)
			delete(e.inflight, token)
		}
	}
	e.log.Infof("control lock revoked from %s: %s", holder, reason)
	e.notifier.SendControl(holder, "revoked", reason)
}

// presenceGateActive 在家门控是否生效。在家状态由轮询goroutine
// 采样后写入，策略评估本身不做I/O。
func (e *Engine) presenceGateActive() bool {
	if e.presence == nil || e.policy.PresenceSensor == "" {
		return false
	}
	return e.presenceHome
}

func (e *Engine) samplePresence() bool {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	return e.presence.IsPresent(ctx)
}

// pollPresence 每秒采样在家状态，actor只读缓存值
func (e *Engine) pollPresence() {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			present := e.samplePresence()
			e.do(func() { e.presenceHome = present })
		case <-e.quit:
			return
		}
	}
}

// scheduleIdleTimer 持锁空闲超时自动释放
func (e *Engine) scheduleIdleTimer(generation uint64) {
	if e.policy.IdleLockTimeout <= 0 {
		return
	}
	time.AfterFunc(e.policy.IdleLockTimeout, func() {
		e.do(func() {
			if e.state != LockHeld || e.generation != generation {
				return
			}
			idle := time.Since(e.lastActivity)
			if idle < e.policy.IdleLockTimeout {
				e.scheduleIdleTimer(generation)
				return
			}
			e.revoke(ReasonIdleTimeout, errcode.New(errcode.Preempted, "lock idle timeout"))
		})
	})
}

// ReleaseControl 后端释放控制锁
func (e *Engine) ReleaseControl(id string) error {
	var result error
	e.do(func() {
		if e.state != LockHeld || e.holder != id {
			result = errcode.Newf(errcode.NotLockHolder, "%s does not hold the lock", id)
			return
		}
		e.state = LockFree
		e.holder = ""
		e.log.Infof("control lock released by %s", id)
	})
	return result
}

// SubmitCommand 持有者提交命令。持有者校验在actor内完成，
// 充电桩I/O在调用方goroutine进行，撤销可取消在途命令。
func (e *Engine) SubmitCommand(ctx context.Context, id string, cmd *commands.Command) (*commands.Result, error) {
	if err := cmd.Validate(); err != nil {
		return nil, errcode.Newf(errcode.MalformedPayload, "%v", err)
	}

	var (
		cmdCtx context.Context
		token  uint64
		admErr error
	)
	e.do(func() {
		switch {
		case e.override:
			admErr = errcode.New(errcode.UserOverride, "administrative override active")
		case e.state == LockSuspended:
			admErr = errcode.New(errcode.ChargerFaulted, "charger is faulted")
		case e.state != LockHeld || e.holder != id:
			admErr = errcode.Newf(errcode.NotLockHolder, "%s does not hold the lock", id)
		default:
			e.lastActivity = time.Now().UTC()
			var cancel context.CancelCauseFunc
			cmdCtx, cancel = context.WithCancelCause(ctx)
			e.nextInflight++
			token = e.nextInflight
			e.inflight[token] = &inflightCmd{backend: id, cancel: cancel}
		}
	})
	if admErr != nil {
		metrics.CommandsSubmitted.WithLabelValues(string(cmd.Type), string(errcode.CodeOf(admErr))).Inc()
		return nil, admErr
	}
	defer e.do(func() {
		if cmd, ok := e.inflight[token]; ok {
			cmd.cancel(nil)
			delete(e.inflight, token)
		}
	})

	callCtx, cancel := context.WithTimeout(cmdCtx, e.policy.CommandTimeout)
	defer cancel()
	result, err := e.sender(callCtx, cmd)
	if err != nil {
		if cause := context.Cause(cmdCtx); cmdCtx.Err() != nil && cause != nil && cause != context.Canceled {
			err = cause
		} else if errors.Is(err, context.DeadlineExceeded) {
			err = errcode.Newf(errcode.CallTimeout, "%s timed out", cmd.Type)
		}
		metrics.CommandsSubmitted.WithLabelValues(string(cmd.Type), string(errcode.CodeOf(err))).Inc()
		return nil, err
	}
	metrics.CommandsSubmitted.WithLabelValues(string(cmd.Type), "ok").Inc()
	return result, nil
}

// HandleStatus 充电桩状态驱动的锁变迁：故障挂起，恢复解除
func (e *Engine) HandleStatus(status events.ChargerStatus) {
	e.do(func() {
		if status == events.StatusFaulted {
			if e.state == LockHeld {
				e.revoke(string(errcode.ChargerFaulted), errcode.New(errcode.ChargerFaulted, "charger faulted"))
			}
			e.state = LockSuspended
			e.log.Warn("charger faulted, control lock suspended")
			return
		}
		if e.state == LockSuspended {
			e.state = LockFree
			e.log.Info("charger recovered, control lock free")
		}
	})
}

// HandleChargerDisconnected 充电桩断开：锁回到Free
func (e *Engine) HandleChargerDisconnected() {
	e.do(func() {
		if e.state == LockHeld {
			e.revoke(string(errcode.ConnectionLost), errcode.New(errcode.ConnectionLost, "charger disconnected"))
		}
		e.state = LockFree
		e.holder = ""
	})
}

// BackendGone 后端消失触发的锁释放
func (e *Engine) BackendGone(id string) {
	e.do(func() {
		if e.state == LockHeld && e.holder == id {
			holder := e.holder
			e.state = LockFree
			e.holder = ""
			for token, cmd := range e.inflight {
				if cmd.backend == holder {
					cmd.cancel(errcode.New(errcode.ConnectionLost, "backend disconnected"))
					delete(e.inflight, token)
				}
			}
			e.log.Infof("control lock released, backend %s gone", id)
		}
		delete(e.lastRequest, id)
	})
}

// SetOverride 管理员覆盖开关。开启时覆盖即有效持有者，
// 原持有者的在途命令以Preempted取消。
func (e *Engine) SetOverride(active bool) {
	e.do(func() {
		if e.override == active {
			return
		}
		e.override = active
		if active {
			if e.state == LockHeld {
				e.revoke(string(errcode.UserOverride), errcode.New(errcode.Preempted, "administrative override"))
			}
			e.log.Info("administrative override activated")
		} else {
			e.log.Info("administrative override deactivated")
		}
	})
}

// OverrideActive 覆盖是否生效
func (e *Engine) OverrideActive() bool {
	var active bool
	e.do(func() { active = e.override })
	return active
}

// Snapshot 当前锁状态
func (e *Engine) Snapshot() Status {
	var st Status
	e.do(func() {
		st.State = e.state
		st.Override = e.override
		if e.state == LockHeld {
			st.Holder = e.holder
			since := e.heldSince
			st.HeldSince = &since
		}
	})
	return st
}

func contains(list []string, id string) bool {
	for _, v := range list {
		if v == id {
			return true
		}
	}
	return false
}
