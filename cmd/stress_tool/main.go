package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"coupon_tracker/pkg/utils"

	"github.com/google/uuid"
)

var httpClient *http.Client

func init() {
	// 优化 HTTP Client 配置
	t := http.DefaultTransport.(*http.Transport).Clone()
	t.MaxIdleConns = 2000
	t.MaxIdleConnsPerHost = 2000
	t.MaxConnsPerHost = 2000
	httpClient = &http.Client{
		Transport: t,
		Timeout:   10 * time.Second,
	}
}

func main() {
	baseURL := flag.String("url", "http://localhost:8080", "server base url")
	secret := flag.String("secret", os.Getenv("JWT_SECRET"), "jwt secret shared with the server")
	requests := flag.Int("n", 1000, "concurrent apply requests")
	users := flag.Int("users", 1, "distinct users sending requests")
	perUser := flag.Int("per-user", 3, "perUserLimit of the test coupon")
	global := flag.Int("global", 0, "globalLimit of the test coupon, 0 means unlimited")
	flag.Parse()

	if *secret == "" {
		fmt.Println("需要 -secret 或 JWT_SECRET")
		os.Exit(1)
	}
	if *users < 1 {
		*users = 1
	}

	adminToken, err := utils.GenerateToken(*secret, "stress-admin", utils.RoleAdmin, time.Hour)
	if err != nil {
		fmt.Printf("生成 token 失败: %v\n", err)
		os.Exit(1)
	}

	// 1. 创建优惠券 (管理员操作)
	code := "STRESS" + uuid.New().String()[:8]
	if err := createCoupon(*baseURL, adminToken, code, *perUser, *global); err != nil {
		fmt.Printf("创建优惠券失败: %v\n", err)
		os.Exit(1)
	}

	tokens := make([]string, *users)
	for i := range tokens {
		tokens[i], err = utils.GenerateToken(*secret, fmt.Sprintf("stress-user-%d", i), utils.RoleUser, time.Hour)
		if err != nil {
			fmt.Printf("生成 token 失败: %v\n", err)
			os.Exit(1)
		}
	}

	fmt.Printf("开始压测：%d 个用户并发核销 %s %d 次 (perUserLimit=%d, globalLimit=%d)...\n",
		*users, code, *requests, *perUser, *global)

	// 2. 并发核销
	var wg sync.WaitGroup
	var successCount, rejectCount, errorCount int64
	start := time.Now()

	for i := 0; i < *requests; i++ {
		wg.Add(1)
		go func(token string) {
			defer wg.Done()
			switch applyCoupon(*baseURL, token, code) {
			case http.StatusOK:
				atomic.AddInt64(&successCount, 1)
			case http.StatusBadRequest:
				atomic.AddInt64(&rejectCount, 1)
			default:
				atomic.AddInt64(&errorCount, 1)
			}
		}(tokens[i%*users])
	}

	wg.Wait()
	duration := time.Since(start)

	expected := *users * *perUser
	if *global > 0 && *global < expected {
		expected = *global
	}
	if *requests < expected {
		expected = *requests
	}

	fmt.Println("--------------------------------------------------")
	fmt.Printf("压测结束，耗时: %v\n", duration)
	fmt.Printf("总请求数: %d\n", *requests)
	fmt.Printf("QPS: %.2f\n", float64(*requests)/duration.Seconds())
	fmt.Printf("核销成功: %d (预期: %d)\n", successCount, expected)
	fmt.Printf("超限拒绝: %d\n", rejectCount)
	fmt.Printf("其他错误: %d\n", errorCount)
	fmt.Println("--------------------------------------------------")

	if successCount > int64(expected) {
		fmt.Println("超发！成功次数超过上限")
		os.Exit(2)
	}
}

func doRequest(method, url, token string, payload interface{}) (int, []byte, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return 0, nil, err
	}
	req, err := http.NewRequest(method, url, bytes.NewReader(body))
	if err != nil {
		return 0, nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := httpClient.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	return resp.StatusCode, respBody, err
}

func createCoupon(baseURL, token, code string, perUser, global int) error {
	payload := map[string]interface{}{
		"code":          code,
		"description":   "压测专用券",
		"discountType":  "flat",
		"discountValue": 1,
		"perUserLimit":  perUser,
	}
	if global > 0 {
		payload["globalLimit"] = global
	}

	status, body, err := doRequest(http.MethodPost, baseURL+"/admin/coupons", token, payload)
	if err != nil {
		return err
	}
	if status != http.StatusCreated {
		return fmt.Errorf("status %d: %s", status, string(body))
	}
	fmt.Printf("创建优惠券响应: %s\n", string(body))
	return nil
}

func applyCoupon(baseURL, token, code string) int {
	status, _, err := doRequest(http.MethodPost, baseURL+"/coupons/apply", token, map[string]string{"code": code})
	if err != nil {
		return 0
	}
	return status
}
