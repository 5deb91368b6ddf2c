// cache.go — LRU-кэш записей файлов для пути скачивания.
// Обёртка над hashicorp/golang-lru/v2/expirable.
package service

import (
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/aShanki/fileditch/internal/domain/model"
)

// Prometheus-метрики кэша.
var (
	cacheHitsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fd_cache_hits_total",
		Help: "Общее количество попаданий в кэш записей файлов.",
	})
	cacheMissesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fd_cache_misses_total",
		Help: "Общее количество промахов кэша записей файлов.",
	})
)

// RecordCache — LRU-кэш записей по publicId с автоматическим TTL.
// Записи хранятся копиями: изменение полученной записи не влияет на кэш.
type RecordCache struct {
	cache *expirable.LRU[string, *model.FileRecord]
}

// NewRecordCache создаёт кэш. size <= 0 означает отключённый кэш (nil).
func NewRecordCache(size int, ttl time.Duration) *RecordCache {
	if size <= 0 {
		return nil
	}
	return &RecordCache{cache: expirable.NewLRU[string, *model.FileRecord](size, nil, ttl)}
}

// Get возвращает копию записи по publicId.
func (c *RecordCache) Get(publicID string) (*model.FileRecord, bool) {
	if c == nil {
		return nil, false
	}
	val, ok := c.cache.Get(publicID)
	if ok {
		cacheHitsTotal.Inc()
		return val.Clone(), true
	}
	cacheMissesTotal.Inc()
	return nil, false
}

// Set добавляет или обновляет запись.
func (c *RecordCache) Set(rec *model.FileRecord) {
	if c == nil {
		return
	}
	c.cache.Add(rec.PublicID, rec.Clone())
}

// Delete удаляет запись (инвалидация при очистке или пропаже байт).
func (c *RecordCache) Delete(publicID string) {
	if c == nil {
		return
	}
	c.cache.Remove(publicID)
}

// Len возвращает количество записей в кэше.
func (c *RecordCache) Len() int {
	if c == nil {
		return 0
	}
	return c.cache.Len()
}
