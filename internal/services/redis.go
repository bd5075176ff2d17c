package services

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/redis/go-redis/v9"
)

var RedisClient *redis.Client

// InitRedis initializes the Redis client
func InitRedis() error {
	redisURL := os.Getenv("REDIS_URL")
	if redisURL == "" {
		redisURL = "redis://redis:6379" // Default Redis address for Docker
	}

	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return fmt.Errorf("failed to parse Redis URL: %v", err)
	}

	RedisClient = redis.NewClient(opt)

	// Test the connection
	ctx := context.Background()
	_, err = RedisClient.Ping(ctx).Result()
	if err != nil {
		return fmt.Errorf("failed to connect to Redis: %v", err)
	}

	return nil
}

// SetDriverLocation stores driver location in Redis with a TTL. This is the
// hot copy other instances can read; the database row stays authoritative.
func SetDriverLocation(ctx context.Context, driverID uint, lat, lng float64) error {
	if RedisClient == nil {
		return nil
	}

	locationData := map[string]interface{}{
		"lat":     lat,
		"lng":     lng,
		"updated": time.Now().Unix(),
	}

	data, err := json.Marshal(locationData)
	if err != nil {
		return err
	}

	key := fmt.Sprintf("driver:location:%d", driverID)
	return RedisClient.Set(ctx, key, data, time.Hour).Err()
}

// GetDriverLocation retrieves driver location from Redis. With Redis
// disabled it reports a plain miss, same as an expired key.
func GetDriverLocation(ctx context.Context, driverID uint) (lat, lng float64, err error) {
	if RedisClient == nil {
		return 0, 0, redis.Nil
	}
	key := fmt.Sprintf("driver:location:%d", driverID)
	data, err := RedisClient.Get(ctx, key).Result()
	if err != nil {
		return 0, 0, err
	}

	var locationData map[string]interface{}
	if err := json.Unmarshal([]byte(data), &locationData); err != nil {
		return 0, 0, err
	}

	lat, _ = locationData["lat"].(float64)
	lng, _ = locationData["lng"].(float64)

	return lat, lng, nil
}

// SetDriverStatus stores driver availability status with a TTL
func SetDriverStatus(ctx context.Context, driverID uint, status string) error {
	if RedisClient == nil {
		return nil
	}
	key := fmt.Sprintf("driver:status:%d", driverID)
	return RedisClient.Set(ctx, key, status, time.Hour).Err()
}

// GetDriverStatus retrieves driver availability status
func GetDriverStatus(ctx context.Context, driverID uint) (string, error) {
	if RedisClient == nil {
		return "", redis.Nil
	}
	key := fmt.Sprintf("driver:status:%d", driverID)
	return RedisClient.Get(ctx, key).Result()
}

// PublishRideUpdate publishes ride status update to Redis pub/sub
func PublishRideUpdate(ctx context.Context, rideID uint, status string, data map[string]interface{}) error {
	if RedisClient == nil {
		return nil
	}

	updateData := map[string]interface{}{
		"rideId":    rideID,
		"status":    status,
		"data":      data,
		"timestamp": time.Now().Unix(),
	}

	jsonData, err := json.Marshal(updateData)
	if err != nil {
		return err
	}

	return RedisClient.Publish(ctx, "ride:updates", jsonData).Err()
}
