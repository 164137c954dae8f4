// Package priority переводит приоритет шага в задержку публикации.
//
// Очередь FIFO и не умеет приоритеты нативно. Вместо переупорядочивания
// внутри очереди сообщения с низким приоритетом публикуются с задержкой:
// чем ниже приоритет, тем позже сообщение станет видимо воркерам.
// Это мягкая эвристика: сообщения с одинаковой задержкой соревнуются
// в порядке прибытия.
package priority

import (
	"time"

	"github.com/ospolov/conveyor/internal/domain"
)

const (
	// DelayStep — прирост задержки на единицу приоритета ниже default.
	DelayStep = 10 * time.Second

	// MaxDelay — потолок задержки. Дальше приоритет не различается.
	MaxDelay = 15 * time.Minute
)

// Delay возвращает задержку публикации для приоритета p.
//
//	delay(p) = clamp(0, MaxDelay, (DefaultPriority - p) * DelayStep)
//
// Приоритет на уровне default и выше — задержка ноль.
func Delay(p int) time.Duration {
	d := time.Duration(domain.DefaultPriority-p) * DelayStep
	if d < 0 {
		return 0
	}
	if d > MaxDelay {
		return MaxDelay
	}
	return d
}

// Effective возвращает задержку для пары (приоритет run, приоритет шага).
// Приоритеты складываются; сумма нормируется относительно удвоенного
// default, чтобы пара (default, default) давала нулевую задержку.
func Effective(runPriority, stepPriority int) time.Duration {
	return Delay(runPriority + stepPriority - domain.DefaultPriority)
}
