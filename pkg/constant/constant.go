package constant

// Push channel events (socket server contract)
const (
	EventAddUser     = "addUser"     // client -> server: register user id for routing
	EventSendMessage = "sendMessage" // client -> server: relay a message to the peer
	EventGetMessage  = "getMessage"  // server -> client: inbound message
	EventGetUsers    = "getUsers"    // server -> client: online user list
)

// Message page defaults
const (
	DefaultPageSize = 10
	MaxPageSize     = 100
)

// Redis key patterns (without prefix, use RedisKey() to get full key)
const (
	redisKeyPendingReceipts = "receipt:pending:%s" // receipt:pending:{user_id}
)

// redisKeyPrefix is the global prefix for all Redis keys
var redisKeyPrefix = "marketchat:"

// InitRedisKeyPrefix initializes the Redis key prefix from config
func InitRedisKeyPrefix(prefix string) {
	if prefix != "" {
		redisKeyPrefix = prefix
	}
}

// GetRedisKeyPrefix returns the current Redis key prefix
func GetRedisKeyPrefix() string {
	return redisKeyPrefix
}

// RedisKeyPendingReceipts returns the key pattern of a user's unsent read receipts
func RedisKeyPendingReceipts() string { return redisKeyPrefix + redisKeyPendingReceipts }
