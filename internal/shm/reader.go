package shm

/*
#cgo LDFLAGS: -lrt -lpthread

#include <stdlib.h>
#include <stdint.h>
#include <time.h>
#include <sys/mman.h>
#include <fcntl.h>
#include <unistd.h>
#include <string.h>
#include <semaphore.h>
#include <errno.h>

#ifndef EINVAL
#define EINVAL 22
#endif

// Constants shared with the encoder process
#define RING_BUFFER_SIZE 30
#define MAX_FRAME_SIZE (512 * 1024)

// One encoded H.264 access unit as published by the encoder process
typedef struct {
    uint64_t frame_number;
    struct timespec timestamp;
    int width;
    int height;
    int keyframe_hint;          // Encoder's own IDR flag, advisory only
    size_t data_size;
    uint8_t data[MAX_FRAME_SIZE];
} EncodedFrame;

typedef struct {
    volatile uint32_t write_index;
    volatile uint32_t frame_interval_ms;
    uint8_t new_frame_sem[32];  // sem_t semaphore (32 bytes on Linux)
    EncodedFrame frames[RING_BUFFER_SIZE];
} SharedFrameBuffer;

// Open shared memory for reading (RDWR needed for sem_wait)
SharedFrameBuffer* open_shm(const char* name) {
    int fd = shm_open(name, O_RDWR, 0666);
    if (fd == -1) {
        return NULL;
    }

    SharedFrameBuffer* shm = (SharedFrameBuffer*)mmap(
        NULL,
        sizeof(SharedFrameBuffer),
        PROT_READ | PROT_WRITE,  // WRITE needed for sem_wait
        MAP_SHARED,
        fd,
        0
    );

    close(fd);

    if (shm == MAP_FAILED) {
        return NULL;
    }

    return shm;
}

// Wait for new frame notification with timeout
// Returns: 0 on success, negative errno on error or timeout
int wait_new_frame(SharedFrameBuffer* shm, int timeout_ms) {
    if (shm == NULL) {
        return -EINVAL;
    }

    if (timeout_ms <= 0) {
        if (sem_wait((sem_t*)&shm->new_frame_sem) != 0) {
            return -errno;
        }
        return 0;
    }

    struct timespec ts;
    if (clock_gettime(CLOCK_REALTIME, &ts) != 0) {
        return -errno;
    }

    ts.tv_sec += timeout_ms / 1000;
    ts.tv_nsec += (timeout_ms % 1000) * 1000000;
    if (ts.tv_nsec >= 1000000000) {
        ts.tv_sec += 1;
        ts.tv_nsec -= 1000000000;
    }

    if (sem_timedwait((sem_t*)&shm->new_frame_sem, &ts) == -1) {
        return -errno;
    }

    return 0;
}

void close_shm(SharedFrameBuffer* shm) {
    if (shm != NULL) {
        munmap((void*)shm, sizeof(SharedFrameBuffer));
    }
}

uint32_t get_write_index(SharedFrameBuffer* shm) {
    return shm->write_index;
}

int read_frame(SharedFrameBuffer* shm, uint32_t index, EncodedFrame* out) {
    if (index >= RING_BUFFER_SIZE) {
        return -1;
    }
    memcpy(out, &shm->frames[index], sizeof(EncodedFrame));
    return 0;
}
*/
import "C"
import (
	"fmt"
	"time"
	"unsafe"

	"github.com/dj-oyu/whip-sei-publisher/internal/logger"
	"github.com/dj-oyu/whip-sei-publisher/pkg/types"
)

const (
	// DefaultShmName is the segment published by the encoder process
	DefaultShmName = "/whip_video_stream"

	RingBufferSize = 30
	MaxFrameSize   = 512 * 1024
)

// Reader reads encoded H.264 access units from the encoder's shared memory
// ring. The data crossing this boundary is opaque to the reader; the SEI
// pipeline downstream decides what to do with it.
type Reader struct {
	shm     *C.SharedFrameBuffer
	shmName string
}

// NewReader opens the shared memory segment, waiting up to 30 seconds for
// the encoder process to create it.
func NewReader(shmName string) (*Reader, error) {
	if shmName == "" {
		shmName = DefaultShmName
	}

	cName := C.CString(shmName)
	defer C.free(unsafe.Pointer(cName))

	var shm *C.SharedFrameBuffer
	for i := 0; i < 30; i++ {
		shm = C.open_shm(cName)
		if shm != nil {
			break
		}
		if i%5 == 0 {
			logger.Info("Reader", "Waiting for shared memory %s to appear... (%d/30)", shmName, i+1)
		}
		time.Sleep(1 * time.Second)
	}

	if shm == nil {
		return nil, fmt.Errorf("failed to open shared memory: %s (timeout after 30s)", shmName)
	}

	logger.Info("Reader", "Opened shared memory: %s", shmName)

	return &Reader{
		shm:     shm,
		shmName: shmName,
	}, nil
}

// Close closes the shared memory reader
func (r *Reader) Close() error {
	if r.shm != nil {
		C.close_shm(r.shm)
		r.shm = nil
	}
	return nil
}

// ReadLatest reads the most recently written frame, or nil when the encoder
// has not produced anything yet.
func (r *Reader) ReadLatest() (*types.H264Frame, error) {
	if r.shm == nil {
		return nil, fmt.Errorf("shared memory not open")
	}

	writeIndex := uint32(C.get_write_index(r.shm))
	if writeIndex == 0 {
		return nil, nil
	}

	index := (writeIndex - 1) % RingBufferSize

	var cFrame C.EncodedFrame
	if C.read_frame(r.shm, C.uint32_t(index), &cFrame) != 0 {
		return nil, fmt.Errorf("failed to read frame at index %d", index)
	}

	return r.convertFrame(&cFrame), nil
}

// convertFrame copies a C frame record into an owned Go frame
func (r *Reader) convertFrame(cFrame *C.EncodedFrame) *types.H264Frame {
	dataSize := int(cFrame.data_size)
	if dataSize > MaxFrameSize {
		dataSize = MaxFrameSize
	}

	data := make([]byte, dataSize)
	cData := (*[MaxFrameSize]byte)(unsafe.Pointer(&cFrame.data[0]))[:dataSize:dataSize]
	copy(data, cData)

	timestamp := time.Unix(
		int64(cFrame.timestamp.tv_sec),
		int64(cFrame.timestamp.tv_nsec),
	)

	return &types.H264Frame{
		Data:      data,
		Timestamp: timestamp,
		FrameNum:  uint64(cFrame.frame_number),
		Width:     int(cFrame.width),
		Height:    int(cFrame.height),
		IsIDR:     cFrame.keyframe_hint != 0,
	}
}

// WaitNewFrame blocks until the encoder signals a new frame or the timeout
// elapses.
func (r *Reader) WaitNewFrame(timeout time.Duration) error {
	if r.shm == nil {
		return fmt.Errorf("shared memory not open")
	}

	result := int(C.wait_new_frame(r.shm, C.int(timeout.Milliseconds())))
	if result == 0 {
		return nil
	}

	errNum := -result
	switch errNum {
	case 110: // ETIMEDOUT
		return fmt.Errorf("timeout")
	case 22: // EINVAL
		return fmt.Errorf("invalid argument (errno %d)", errNum)
	case 4: // EINTR
		return fmt.Errorf("interrupted (errno %d)", errNum)
	default:
		return fmt.Errorf("semaphore wait failed (errno %d)", errNum)
	}
}
