package collab

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"time"

	"github.com/IBM/sarama"
)

// EventDispatcher：本地有界队列 + worker 异步发送 + 有限重试。
// 目标：
// - 不阻塞房间串行化点（Submit 只负责入队）
// - Kafka 短暂抖动靠队列吸收，后台慢慢补发
// - 队列满时允许降级（丢弃），事件流不要求强一致
type EventDispatcher struct {
	producer sarama.SyncProducer
	topic    string

	queue chan FieldOpEvent

	// sem 限制并发的 SendMessage 数量
	sem *SemaphoreControl

	workers     int
	maxRetry    int
	baseBackoff time.Duration
	maxBackoff  time.Duration
}

type EventDispatcherOptions struct {
	QueueSize   int
	Workers     int
	MaxRetry    int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
}

func NewEventDispatcher(producer sarama.SyncProducer, topic string, sem *SemaphoreControl, opt EventDispatcherOptions) *EventDispatcher {
	d := &EventDispatcher{
		producer:    producer,
		topic:       topic,
		queue:       make(chan FieldOpEvent, opt.QueueSize),
		sem:         sem,
		workers:     opt.Workers,
		maxRetry:    opt.MaxRetry,
		baseBackoff: opt.BaseBackoff,
		maxBackoff:  opt.MaxBackoff,
	}

	d.Start()
	return d
}

var ErrEventQueueFull = errors.New("event queue full")

// TryEnqueue：非阻塞入队。调用方在文档串行化点内，
// 队列满（Kafka 故障期）直接丢事件返回错误，绝不在这里等位置。
func (d *EventDispatcher) TryEnqueue(evt FieldOpEvent) error {
	select {
	case d.queue <- evt:
		return nil
	default:
		return ErrEventQueueFull
	}
}

func (d *EventDispatcher) Start() {
	for i := 0; i < d.workers; i++ {
		go d.workerLoop(i)
	}
}

func (d *EventDispatcher) workerLoop(workerID int) {
	for evt := range d.queue {
		d.sendWithRetry(workerID, evt)
	}
}

func (d *EventDispatcher) sendWithRetry(workerID int, evt FieldOpEvent) {
	for attempt := 0; attempt <= d.maxRetry; attempt++ {
		if d.sem != nil {
			// worker 允许一直等待（不会影响主链路）
			_ = d.sem.Acquire(context.Background())
		}

		err := d.sendOnce(evt)

		if d.sem != nil {
			_ = d.sem.Release()
		}

		if err == nil {
			return
		}

		if attempt == d.maxRetry {
			log.Printf("kafka send failed, drop event doc=%s op=%s v=%d worker=%d err=%v",
				evt.DocID, evt.OperationID, evt.Version, workerID, err)
			return
		}

		// 退避，每次退避时间X2
		backoff := d.baseBackoff * time.Duration(1<<attempt)
		if backoff > d.maxBackoff {
			backoff = d.maxBackoff
		}
		time.Sleep(backoff)
	}
}

func (d *EventDispatcher) sendOnce(evt FieldOpEvent) error {
	if d.producer == nil || d.topic == "" {
		return nil
	}
	b, err := json.Marshal(evt)
	if err != nil {
		return err
	}
	msg := &sarama.ProducerMessage{
		Topic: d.topic,
		Key:   sarama.StringEncoder(evt.DocID),
		Value: sarama.ByteEncoder(b),
	}
	_, _, err = d.producer.SendMessage(msg)
	return err
}
